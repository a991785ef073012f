package meshing

import "github.com/annel0/voxel-terrain/internal/vec"

type faceDir struct {
	dx, dy, dz int
	normal     [3]float32
	// corners четыре угла грани в единицах шага, против часовой стрелки снаружи
	corners [4][3]int
}

var faceDirs = [6]faceDir{
	{dx: 1, normal: [3]float32{1, 0, 0}, corners: [4][3]int{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{dx: -1, normal: [3]float32{-1, 0, 0}, corners: [4][3]int{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}}},
	{dy: 1, normal: [3]float32{0, 1, 0}, corners: [4][3]int{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{dy: -1, normal: [3]float32{0, -1, 0}, corners: [4][3]int{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{dz: 1, normal: [3]float32{0, 0, 1}, corners: [4][3]int{{1, 0, 1}, {1, 1, 1}, {0, 1, 1}, {0, 0, 1}}},
	{dz: -1, normal: [3]float32{0, 0, -1}, corners: [4][3]int{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// BlockyBuilder простейший построитель: каждая твёрдая ячейка (с шагом 1<<lod)
// даёт куб, грани между твёрдыми ячейками отбрасываются. Отсутствующий сосед
// считается твёрдым, чтобы край загруженной области оставался закрытым.
type BlockyBuilder struct{}

// NewBlockyBuilder создаёт построитель
func NewBlockyBuilder() *BlockyBuilder {
	return &BlockyBuilder{}
}

// Step возвращает шаг выборки для уровня детализации
func Step(lod, size int) int {
	if lod < 0 {
		lod = 0
	}
	step := 1
	for i := 0; i < lod && step < size; i++ {
		step <<= 1
	}
	if step > size {
		step = size
	}
	return step
}

// Build реализует Builder
func (b *BlockyBuilder) Build(in Input) (*Mesh, *CollisionShape) {
	g := in.Center
	if g == nil {
		return nil, nil
	}
	step := Step(in.LOD, g.Size)

	mesh := &Mesh{}
	var shape *CollisionShape
	if in.WithCollision || in.CollisionOnly {
		shape = &CollisionShape{}
	}

	for y := 0; y < g.Height; y += step {
		for z := 0; z < g.Size; z += step {
			for x := 0; x < g.Size; x += step {
				if !b.solid(in, x, y, z) {
					continue
				}
				for _, f := range faceDirs {
					if b.solid(in, x+f.dx*step, y+f.dy*step, z+f.dz*step) {
						continue
					}
					b.emitFace(mesh, shape, f, x, y, z, step, in.CollisionOnly)
				}
			}
		}
	}

	if in.CollisionOnly {
		mesh = nil
	}
	if shape != nil && shape.Empty() {
		shape = nil
	}
	return mesh, shape
}

func (b *BlockyBuilder) solid(in Input, x, y, z int) bool {
	g := in.Center
	if y < 0 {
		return true
	}
	if y >= g.Height {
		return false
	}
	if x >= 0 && x < g.Size && z >= 0 && z < g.Size {
		return g.At(x, y, z) > in.Threshold
	}

	offset := vec.Vec2{X: vec.FloorDiv(x, g.Size), Z: vec.FloorDiv(z, g.Size)}
	neighbor, ok := in.Neighbors[g.Coords.Add(offset).Key()]
	if !ok || neighbor == nil {
		return true
	}
	return neighbor.At(vec.FloorMod(x, g.Size), y, vec.FloorMod(z, g.Size)) > in.Threshold
}

func (b *BlockyBuilder) emitFace(mesh *Mesh, shape *CollisionShape, f faceDir, x, y, z, step int, collisionOnly bool) {
	var pts [4][3]float32
	for i, c := range f.corners {
		pts[i] = [3]float32{
			float32(x + c[0]*step),
			float32(y + c[1]*step),
			float32(z + c[2]*step),
		}
	}

	if !collisionOnly {
		base := uint32(len(mesh.Vertices) / 3)
		for _, p := range pts {
			mesh.Vertices = append(mesh.Vertices, p[0], p[1], p[2])
			mesh.Normals = append(mesh.Normals, f.normal[0], f.normal[1], f.normal[2])
		}
		mesh.Indices = append(mesh.Indices, base, base+1, base+2, base, base+2, base+3)
	}

	if shape != nil {
		for _, i := range [6]int{0, 1, 2, 0, 2, 3} {
			shape.Faces = append(shape.Faces, pts[i][0], pts[i][1], pts[i][2])
		}
	}
}
