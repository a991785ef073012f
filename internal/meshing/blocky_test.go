package meshing

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGrid(cx, cz int) *Grid {
	return &Grid{
		Coords:  vec.Vec2{X: cx, Z: cz},
		Size:    16,
		Height:  16,
		Density: make([]float32, 16*16*16),
	}
}

func (g *Grid) set(x, y, z int, d float32) {
	g.Density[(y*g.Size+z)*g.Size+x] = d
}

func TestSingleCellProducesCube(t *testing.T) {
	g := newGrid(0, 0)
	g.set(5, 5, 5, 1)

	mesh, shape := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1, WithCollision: true})
	require.NotNil(t, mesh)
	assert.Equal(t, 12, mesh.TriangleCount())
	assert.Len(t, mesh.Vertices, 24*3)
	assert.Len(t, mesh.Normals, 24*3)
	require.NotNil(t, shape)
	assert.Len(t, shape.Faces, 6*6*3)
}

func TestEmptyChunkYieldsEmptyMesh(t *testing.T) {
	mesh, shape := NewBlockyBuilder().Build(Input{Center: newGrid(0, 0), Threshold: 0.1, WithCollision: true})
	assert.True(t, mesh.Empty())
	assert.Nil(t, shape)
}

func TestBelowThresholdIsAir(t *testing.T) {
	g := newGrid(0, 0)
	g.set(5, 5, 5, 0.05)
	mesh, _ := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1})
	assert.True(t, mesh.Empty())
}

func TestMissingNeighborTreatedAsSolid(t *testing.T) {
	g := newGrid(0, 0)
	g.set(15, 5, 5, 1)

	mesh, _ := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1})
	assert.Equal(t, 10, mesh.TriangleCount(), "+X грань скрыта отсутствующим соседом")

	neighbors := map[string]*Grid{"1_0": newGrid(1, 0)}
	mesh, _ = NewBlockyBuilder().Build(Input{Center: g, Neighbors: neighbors, Threshold: 0.1})
	assert.Equal(t, 12, mesh.TriangleCount(), "пустой сосед открывает грань")

	neighbors["1_0"].set(0, 5, 5, 1)
	mesh, _ = NewBlockyBuilder().Build(Input{Center: g, Neighbors: neighbors, Threshold: 0.1})
	assert.Equal(t, 10, mesh.TriangleCount(), "твёрдая ячейка соседа скрывает грань")
}

func TestNegativeNeighborLookup(t *testing.T) {
	g := newGrid(-1, -1)
	g.set(0, 5, 0, 1)
	neighbors := map[string]*Grid{
		"-2_-1": newGrid(-2, -1),
		"-1_-2": newGrid(-1, -2),
	}
	mesh, _ := NewBlockyBuilder().Build(Input{Center: g, Neighbors: neighbors, Threshold: 0.1})
	assert.Equal(t, 12, mesh.TriangleCount())
}

func TestFloorFaceCulled(t *testing.T) {
	g := newGrid(0, 0)
	g.set(5, 0, 5, 1)
	mesh, _ := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1})
	assert.Equal(t, 10, mesh.TriangleCount())
}

func TestLODStep(t *testing.T) {
	assert.Equal(t, 1, Step(0, 16))
	assert.Equal(t, 2, Step(1, 16))
	assert.Equal(t, 8, Step(3, 16))
	assert.Equal(t, 16, Step(10, 16))

	g := newGrid(0, 0)
	g.set(4, 4, 4, 1)
	g.set(5, 5, 5, 1)
	mesh, _ := NewBlockyBuilder().Build(Input{Center: g, LOD: 1, Threshold: 0.1})
	assert.Equal(t, 12, mesh.TriangleCount(), "на LOD 1 выбирается только (4,4,4)")

	// грань крупного куба имеет размер шага
	maxX := float32(0)
	for i := 0; i < len(mesh.Vertices); i += 3 {
		if mesh.Vertices[i] > maxX {
			maxX = mesh.Vertices[i]
		}
	}
	assert.Equal(t, float32(6), maxX)
}

func TestCollisionOnly(t *testing.T) {
	g := newGrid(0, 0)
	g.set(5, 5, 5, 1)
	mesh, shape := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1, CollisionOnly: true})
	assert.Nil(t, mesh)
	require.NotNil(t, shape)
	assert.Len(t, shape.Faces, 6*6*3)
}

func TestBuildIsSafeConcurrently(t *testing.T) {
	g := newGrid(0, 0)
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			g.set(x, 3, z, 1)
		}
	}

	pool := NewPool(4)
	defer pool.StopAndWait()

	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			mesh, _ := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1})
			total.Add(int64(mesh.TriangleCount()))
		})
	}
	wg.Wait()

	single, _ := NewBlockyBuilder().Build(Input{Center: g, Threshold: 0.1})
	assert.Equal(t, int64(16*single.TriangleCount()), total.Load())
}

func TestPoolTaskWait(t *testing.T) {
	pool := NewPool(2)
	var ran atomic.Bool
	task := pool.Submit(func() { ran.Store(true) })
	require.NoError(t, task.Wait())
	assert.True(t, ran.Load())
	pool.StopAndWait()
	assert.True(t, pool.Stopped())
}
