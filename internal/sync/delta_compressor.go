package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Приоритеты изменений для вытеснения из переполненного буфера.
const (
	PriorityRemote = 3
	PriorityEdit   = 5
	PriorityBulk   = 7
)

// ChunkChange полная запись чанка после правки. Записи самодостаточны,
// поэтому более новая запись того же ключа заменяет старую.
type ChunkChange struct {
	Key          string    `json:"key"`
	ChunkX       int       `json:"chunk_x"`
	ChunkZ       int       `json:"chunk_z"`
	Operation    string    `json:"operation,omitempty"`
	Data         []byte    `json:"data"`
	Priority     int       `json:"priority"`
	Timestamp    time.Time `json:"timestamp"`
	SourceRegion string    `json:"source_region"`
}

// DeltaCompressor кодирует/декодирует пакет изменений в компактный вид.
type DeltaCompressor interface {
	Name() string
	Compress(changes []ChunkChange) ([]byte, error)
	Decompress(payload []byte) ([]ChunkChange, error)
}

// Имена кодеков в метаданных конверта
const (
	CodecJSON = "json"
	CodecZstd = "zstd"
)

type passthroughCompressor struct{}

// NewPassthroughCompressor пакет как JSON-массив без сжатия
func NewPassthroughCompressor() DeltaCompressor { return &passthroughCompressor{} }

func (p *passthroughCompressor) Name() string { return CodecJSON }

func (p *passthroughCompressor) Compress(changes []ChunkChange) ([]byte, error) {
	return json.Marshal(changes)
}

func (p *passthroughCompressor) Decompress(payload []byte) ([]ChunkChange, error) {
	var res []ChunkChange
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return res, nil
}

// zstdCompressor сжимает JSON пакета zstd. Плотность в записях уже сжата,
// выигрыш идёт в основном на заголовках и base64.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor создаёт компрессор с собственными encoder/decoder
func NewZstdCompressor() DeltaCompressor {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &zstdCompressor{enc: enc, dec: dec}
}

func (z *zstdCompressor) Name() string { return CodecZstd }

func (z *zstdCompressor) Compress(changes []ChunkChange) ([]byte, error) {
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdCompressor) Decompress(payload []byte) ([]ChunkChange, error) {
	raw, err := z.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return (&passthroughCompressor{}).Decompress(raw)
}

// compressorFor выбирает кодек по имени из метаданных; пустое имя означает JSON
func compressorFor(name string, known ...DeltaCompressor) (DeltaCompressor, error) {
	if name == "" {
		name = CodecJSON
	}
	for _, c := range known {
		if c.Name() == name {
			return c, nil
		}
	}
	switch name {
	case CodecJSON:
		return NewPassthroughCompressor(), nil
	case CodecZstd:
		return NewZstdCompressor(), nil
	}
	return nil, fmt.Errorf("неизвестный кодек пакета %q", name)
}
