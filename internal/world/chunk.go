package world

import (
	"github.com/annel0/voxel-terrain/internal/meshing"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// Chunk представляет участок террейна Size x Size колонок высотой Height.
// Чанк принадлежит таблице WorldManager; компоненты разрешают его по ключу
// на каждом тике и не хранят ссылку между тиками.
type Chunk struct {
	Coords vec.Vec2 // Координаты чанка в мире
	Size   int
	Height int

	density []float32

	dirty    bool // геометрия устарела
	modified bool // данные расходятся с процедурной генерацией

	// revision растёт при каждой инвалидации геометрии
	revision uint64
	// meshedRevision ревизия последнего применённого результата
	meshedRevision uint64
	// epoch уникален для каждой загрузки чанка в таблицу
	epoch uint64
}

// NewChunk создаёт пустой (воздушный) чанк
func NewChunk(coords vec.Vec2, size, height int) *Chunk {
	return &Chunk{
		Coords:  coords,
		Size:    size,
		Height:  height,
		density: make([]float32, size*size*height),
	}
}

// ChunkKey возвращает канонический ключ "{cx}_{cz}"
func ChunkKey(cx, cz int) string {
	return vec.Vec2{X: cx, Z: cz}.Key()
}

// ParseChunkKey разбирает ключ чанка
func ParseChunkKey(key string) (vec.Vec2, error) {
	return vec.ParseKey(key)
}

// Key возвращает ключ чанка
func (c *Chunk) Key() string {
	return c.Coords.Key()
}

func (c *Chunk) index(x, y, z int) int {
	return (y*c.Size+z)*c.Size + x
}

// InBounds проверяет локальные координаты
func (c *Chunk) InBounds(x, y, z int) bool {
	return x >= 0 && z >= 0 && y >= 0 && x < c.Size && z < c.Size && y < c.Height
}

// Density возвращает плотность в локальной ячейке (0 вне границ)
func (c *Chunk) Density(x, y, z int) float32 {
	if !c.InBounds(x, y, z) {
		return 0
	}
	return c.density[c.index(x, y, z)]
}

// SetDensity записывает плотность, ограничивая её диапазоном [0, 1].
// Возвращает true, если значение изменилось.
func (c *Chunk) SetDensity(x, y, z int, d float32) bool {
	if !c.InBounds(x, y, z) {
		return false
	}
	if d < 0 {
		d = 0
	} else if d > 1 {
		d = 1
	}
	i := c.index(x, y, z)
	if c.density[i] == d {
		return false
	}
	c.density[i] = d
	return true
}

// IsDirty сообщает, нужна ли перестройка геометрии
func (c *Chunk) IsDirty() bool {
	return c.dirty
}

// IsModified сообщает, расходится ли чанк с генерацией
func (c *Chunk) IsModified() bool {
	return c.modified
}

// MarkModified помечает чанк как требующий сохранения
func (c *Chunk) MarkModified() {
	c.modified = true
}

// MarkDirty инвалидирует геометрию чанка
func (c *Chunk) MarkDirty() {
	c.dirty = true
	c.revision++
}

// Revision возвращает текущую ревизию геометрии
func (c *Chunk) Revision() uint64 {
	return c.revision
}

// SolidCells считает ячейки с плотностью выше порога
func (c *Chunk) SolidCells(threshold float32) int {
	n := 0
	for _, d := range c.density {
		if d > threshold {
			n++
		}
	}
	return n
}

// Snapshot копирует поле плотности для передачи воркеру
func (c *Chunk) Snapshot() *meshing.Grid {
	density := make([]float32, len(c.density))
	copy(density, c.density)
	return &meshing.Grid{
		Coords:  c.Coords,
		Size:    c.Size,
		Height:  c.Height,
		Density: density,
	}
}

// EqualDensity сравнивает поля плотности двух чанков
func (c *Chunk) EqualDensity(other *Chunk) bool {
	if other == nil || c.Size != other.Size || c.Height != other.Height {
		return false
	}
	for i, d := range c.density {
		if other.density[i] != d {
			return false
		}
	}
	return true
}
