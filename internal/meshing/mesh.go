package meshing

import "github.com/annel0/voxel-terrain/internal/vec"

// Grid неизменяемый снимок поля плотности одного чанка, переданный воркеру.
// Воркер только читает его и не сохраняет после возврата из Build.
type Grid struct {
	Coords  vec.Vec2
	Size    int
	Height  int
	Density []float32
}

// At возвращает плотность в локальной ячейке. Координаты вне чанка дают 0.
func (g *Grid) At(x, y, z int) float32 {
	if x < 0 || y < 0 || z < 0 || x >= g.Size || z >= g.Size || y >= g.Height {
		return 0
	}
	return g.Density[(y*g.Size+z)*g.Size+x]
}

// Input входные данные одной задачи построения геометрии
type Input struct {
	Center *Grid
	// Neighbors загруженные соседи по ключу чанка; отсутствующие допустимы
	Neighbors map[string]*Grid
	LOD       int
	// WithCollision нужно ли строить коллизию
	WithCollision bool
	// CollisionOnly серверный режим: визуальная сетка не строится
	CollisionOnly bool
	Threshold     float32
}

// Mesh визуальная геометрия чанка в локальных координатах
type Mesh struct {
	Vertices []float32
	Normals  []float32
	Indices  []uint32
}

// Empty сообщает, что сетка не содержит треугольников (полностью воздушный чанк)
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Indices) == 0
}

// TriangleCount возвращает количество треугольников
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// CollisionShape вогнутая треугольная оболочка (тройки вершин xyz)
type CollisionShape struct {
	Faces []float32
}

// Empty сообщает, что оболочка пуста
func (c *CollisionShape) Empty() bool {
	return c == nil || len(c.Faces) == 0
}

// Builder строит геометрию. Реализация должна быть чистой функцией входа,
// безопасной для вызова из нескольких горутин и терпимой к отсутствующим соседям.
type Builder interface {
	Build(in Input) (*Mesh, *CollisionShape)
}

// BuilderFunc адаптер функции к Builder
type BuilderFunc func(in Input) (*Mesh, *CollisionShape)

func (f BuilderFunc) Build(in Input) (*Mesh, *CollisionShape) {
	return f(in)
}
