package world

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/annel0/voxel-terrain/internal/meshing"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/stretchr/testify/require"
)

// flatSampler ровная поверхность одного биома
type flatSampler struct {
	height float64
	biome  Biome
}

func (f flatSampler) HeightAt(x, z float64) float64 { return f.height }
func (f flatSampler) BiomeAt(x, z float64) Biome     { return f.biome }
func (f flatSampler) BlendWeightsAt(x, z float64) []BiomeWeight {
	return []BiomeWeight{{Biome: f.biome, Weight: 1}}
}

// memRecords хранилище записей в памяти
type memRecords struct {
	mu       sync.Mutex
	data     map[string][]byte
	failSave bool
	saves    int
}

func newMemRecords() *memRecords {
	return &memRecords{data: make(map[string][]byte)}
}

func (m *memRecords) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("диск переполнен")
	}
	m.data[key] = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memRecords) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return d, nil
}

func (m *memRecords) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memRecords) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memRecords) Close() error { return nil }

func (m *memRecords) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func testOptions() Options {
	return Options{
		WorldName:         "test",
		ChunkSize:         16,
		ChunkHeight:       32,
		LoadBatch:         8,
		MaxInFlight:       4,
		Workers:           4,
		HeadlessPerTick:   2,
		LODBuckets:        []float64{2, 4, 8, 16},
		CollisionLODs:     2,
		ViewRadius:        2,
		UnloadRadius:      3,
		TickRate:          50,
		AutosaveInterval:  time.Minute,
		MaterialThreshold: DefaultMaterialThreshold,
	}
}

type testWorld struct {
	*WorldManager
	records *memRecords
	host    *MemoryHost
}

func newTestWorld(t *testing.T, height float64, mutate func(o *Options), builder meshing.Builder) *testWorld {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	records := newMemRecords()
	host := NewMemoryHost()
	wm := NewWorldManager(opts, Deps{
		Sampler: flatSampler{height: height, biome: BiomePlains},
		Records: records,
		Host:    host,
		Builder: builder,
	})
	t.Cleanup(wm.Stop)
	return &testWorld{WorldManager: wm, records: records, host: host}
}

// settle прогоняет мешинг, пока очередь и пул не опустеют
func (w *testWorld) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 200; i++ {
		w.Mesher.Dispatch()
		w.Mesher.WaitIdle()
		if w.Mesher.PendingCount() == 0 && w.Mesher.InFlightCount() == 0 {
			return
		}
	}
	t.Fatal("мешинг не успокоился")
}

func (w *testWorld) loadArea(t *testing.T, radius int) {
	t.Helper()
	for cz := -radius; cz <= radius; cz++ {
		for cx := -radius; cx <= radius; cx++ {
			require.NoError(t, w.Store.LoadImmediate(cx, cz, false))
		}
	}
	w.settle(t)
}

// densityAt плотность мировой ячейки (тест должен гарантировать, что чанк загружен)
func (w *testWorld) densityAt(t *testing.T, x, y, z int) float32 {
	t.Helper()
	c, local, ok := w.chunkAtCell(vec.Vec3{X: x, Y: y, Z: z})
	require.True(t, ok, "чанк ячейки (%d,%d,%d) не загружен", x, y, z)
	return c.Density(local.X, local.Y, local.Z)
}

// gatedBuilder блокирует построение до закрытия release
type gatedBuilder struct {
	once    sync.Once
	release chan struct{}
	started chan string
	inner   meshing.Builder
}

func newGatedBuilder() *gatedBuilder {
	return &gatedBuilder{
		release: make(chan struct{}),
		started: make(chan string, 64),
		inner:   meshing.NewBlockyBuilder(),
	}
}

func (g *gatedBuilder) Build(in meshing.Input) (*meshing.Mesh, *meshing.CollisionShape) {
	g.started <- in.Center.Coords.Key()
	<-g.release
	return g.inner.Build(in)
}

func (g *gatedBuilder) open() {
	g.once.Do(func() { close(g.release) })
}
