package world

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/klauspost/compress/zstd"
)

// RecordVersion текущая версия формата записи чанка
const RecordVersion = 1

// ErrCorruptRecord запись чанка не читается или не проходит проверку
var ErrCorruptRecord = errors.New("повреждённая запись чанка")

// ChunkRecord сериализуемый снимок чанка. Поле плотности хранится как
// little-endian float32, сжатые zstd.
type ChunkRecord struct {
	Version    int       `json:"version"`
	ChunkX     int       `json:"chunk_x"`
	ChunkZ     int       `json:"chunk_z"`
	Size       int       `json:"size"`
	Height     int       `json:"height"`
	SolidCells int       `json:"solid_cells"`
	SavedAt    time.Time `json:"saved_at"`
	Density    []byte    `json:"density"`
}

type recordCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// codec создаётся при первом обращении; EncodeAll/DecodeAll безопасны
// для конкурентного вызова
var codec = sync.OnceValues(func() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &recordCodec{enc: enc, dec: dec}, nil
})

// Serialize кодирует чанк в запись для диска и сети с порогом материала
// по умолчанию
func Serialize(c *Chunk) ([]byte, error) {
	return SerializeWith(c, DefaultMaterialThreshold)
}

// SerializeWith кодирует чанк; threshold задаёт, какие ячейки считаются
// твёрдыми в solid_cells
func SerializeWith(c *Chunk, threshold float32) ([]byte, error) {
	zc, err := codec()
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 4*len(c.density))
	for i, d := range c.density {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(d))
	}

	rec := ChunkRecord{
		Version:    RecordVersion,
		ChunkX:     c.Coords.X,
		ChunkZ:     c.Coords.Z,
		Size:       c.Size,
		Height:     c.Height,
		SolidCells: c.SolidCells(threshold),
		SavedAt:    time.Now().UTC(),
		Density:    zc.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)),
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("сериализация чанка %s: %w", c.Key(), err)
	}
	return data, nil
}

// DecodeRecord разбирает заголовок записи без распаковки плотности
func DecodeRecord(data []byte) (*ChunkRecord, error) {
	var rec ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%w: неподдерживаемая версия %d", ErrCorruptRecord, rec.Version)
	}
	if rec.Size <= 0 || rec.Height <= 0 {
		return nil, fmt.Errorf("%w: размеры %dx%d", ErrCorruptRecord, rec.Size, rec.Height)
	}
	return &rec, nil
}

// Deserialize восстанавливает чанк из записи. Восстановленный чанк считается
// изменённым (существование записи означает расхождение с генерацией) и грязным.
func Deserialize(data []byte) (*Chunk, error) {
	rec, err := DecodeRecord(data)
	if err != nil {
		return nil, err
	}

	zc, err := codec()
	if err != nil {
		return nil, err
	}

	cells := rec.Size * rec.Size * rec.Height
	raw, err := zc.dec.DecodeAll(rec.Density, make([]byte, 0, cells*4))
	if err != nil {
		return nil, fmt.Errorf("%w: распаковка: %v", ErrCorruptRecord, err)
	}
	if len(raw) != cells*4 {
		return nil, fmt.Errorf("%w: ожидалось %d байт плотности, получено %d", ErrCorruptRecord, cells*4, len(raw))
	}

	c := NewChunk(vec.Vec2{X: rec.ChunkX, Z: rec.ChunkZ}, rec.Size, rec.Height)
	for i := range c.density {
		d := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if math.IsNaN(float64(d)) || d < 0 || d > 1 {
			return nil, fmt.Errorf("%w: плотность %v вне диапазона", ErrCorruptRecord, d)
		}
		c.density[i] = d
	}
	c.modified = true
	c.dirty = true
	return c, nil
}
