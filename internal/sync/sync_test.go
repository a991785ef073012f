package sync

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/storage"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	changes := []ChunkChange{
		{Key: "1_2", ChunkX: 1, ChunkZ: 2, Data: []byte("record-a"), Priority: PriorityEdit, SourceRegion: "a"},
		{Key: "-1_0", ChunkX: -1, ChunkZ: 0, Data: []byte("record-b"), Priority: PriorityRemote, SourceRegion: "a"},
	}
	for _, c := range []DeltaCompressor{NewPassthroughCompressor(), NewZstdCompressor()} {
		t.Run(c.Name(), func(t *testing.T) {
			payload, err := c.Compress(changes)
			require.NoError(t, err)
			decoded, err := c.Decompress(payload)
			require.NoError(t, err)
			require.Len(t, decoded, 2)
			assert.Equal(t, changes[0].Key, decoded[0].Key)
			assert.Equal(t, changes[1].Data, decoded[1].Data)
		})
	}

	_, err := NewZstdCompressor().Decompress([]byte("not zstd"))
	assert.Error(t, err)

	_, err = compressorFor("lz4")
	assert.Error(t, err, "неизвестный кодек")
	c, err := compressorFor("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
}

// collectBus подписывается на TerrainSync и складывает конверты
func collectBus(t *testing.T) (eventbus.EventBus, func() []*eventbus.Envelope) {
	t.Helper()
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { bus.Close() })

	var mu sync.Mutex
	var got []*eventbus.Envelope
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.TypeTerrainSync}}, func(ctx context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	return bus, func() []*eventbus.Envelope {
		mu.Lock()
		defer mu.Unlock()
		return append([]*eventbus.Envelope(nil), got...)
	}
}

func TestBatchManager_CoalescesByKey(t *testing.T) {
	bus, received := collectBus(t)
	bm := NewBatchManager(bus, "a", 8, time.Hour, NewPassthroughCompressor())
	defer bm.Stop()

	bm.AddChange(ChunkChange{Key: "0_0", Data: []byte("v1"), Priority: PriorityEdit})
	bm.AddChange(ChunkChange{Key: "0_0", Data: []byte("v2"), Priority: PriorityRemote})
	bm.AddChange(ChunkChange{Key: "1_0", Data: []byte("w1"), Priority: PriorityEdit})
	assert.Equal(t, 2, bm.Pending(), "запись того же чанка заменяется")

	bm.Flush()
	assert.Zero(t, bm.Pending())

	require.Eventually(t, func() bool { return len(received()) == 1 }, time.Second, 5*time.Millisecond)
	env := received()[0]
	assert.Equal(t, "a", env.Source)
	assert.Equal(t, CodecJSON, env.Metadata["codec"])
	assert.Equal(t, "2", env.Metadata["changes"])
	assert.Equal(t, PriorityEdit, env.Priority)
	assert.NotEmpty(t, env.ID)

	changes, err := NewPassthroughCompressor().Decompress(env.Payload)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, []byte("v2"), changes[0].Data, "в пакет попадает последняя запись")
	assert.Equal(t, PriorityEdit, changes[0].Priority, "приоритет не понижается при замене")
	assert.Equal(t, "a", changes[0].SourceRegion)
	assert.False(t, changes[0].Timestamp.IsZero())
}

func TestBatchManager_Overflow(t *testing.T) {
	bus := eventbus.NewMemoryBus(4)
	defer bus.Close()
	// без цикла отправки: проверяется только вытеснение
	bm := &BatchManager{index: make(map[string]int), capacity: 2, source: "a", bus: bus, compressor: NewPassthroughCompressor(), kick: make(chan struct{}, 1)}

	bm.AddChange(ChunkChange{Key: "0_0", Priority: PriorityRemote})
	bm.AddChange(ChunkChange{Key: "1_0", Priority: PriorityEdit})
	bm.AddChange(ChunkChange{Key: "2_0", Priority: PriorityBulk})
	assert.Equal(t, 2, bm.Pending())
	_, dropped := bm.Counters()
	assert.EqualValues(t, 1, dropped)

	keys := map[string]bool{}
	for _, c := range bm.buf {
		keys[c.Key] = true
	}
	assert.Equal(t, map[string]bool{"1_0": true, "2_0": true}, keys, "вытесняется низший приоритет")

	bm.AddChange(ChunkChange{Key: "3_0", Priority: PriorityRemote})
	_, dropped = bm.Counters()
	assert.EqualValues(t, 2, dropped, "новое изменение с низким приоритетом отброшено")
	assert.NotContains(t, bm.index, "3_0")
}

func TestBatchManager_StopFlushes(t *testing.T) {
	bus, received := collectBus(t)
	bm := NewBatchManager(bus, "a", 8, time.Hour, NewZstdCompressor())
	bm.AddChange(ChunkChange{Key: "5_5", Data: []byte("x"), Priority: PriorityEdit})
	bm.Stop()
	bm.Stop()

	require.Eventually(t, func() bool { return len(received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, CodecZstd, received()[0].Metadata["codec"])
	published, _ := bm.Counters()
	assert.EqualValues(t, 1, published)
}

// region мир одного узла, подключённый к общей шине
type region struct {
	world    *world.WorldManager
	sync     *SyncManager
	mu       sync.Mutex
	received []world.ModifiedChunk
}

func newRegion(t *testing.T, bus eventbus.EventBus, id string) *region {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), "sync")
	require.NoError(t, err)

	opts := world.DefaultOptions()
	opts.WorldName = "sync-" + id
	opts.ChunkHeight = 32
	opts.TickRate = 50

	r := &region{}
	r.world = world.NewWorldManager(opts, world.Deps{
		Sampler: world.NewPerlinSamplerWith(7, 12, 0, 0.05, 0.02),
		Records: store,
	})
	r.sync, err = NewSyncManager(SyncConfig{
		RegionID:   id,
		Bus:        bus,
		World:      r.world,
		BatchSize:  16,
		FlushEvery: time.Hour,
		UseZstd:    id == "a",
		OnRemoteApplied: func(c world.ModifiedChunk) {
			r.mu.Lock()
			r.received = append(r.received, c)
			r.mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go r.world.Run(ctx)
	t.Cleanup(func() {
		r.sync.Stop()
		cancel()
		r.world.Stop()
	})

	var loadErr error
	require.NoError(t, r.world.Do(context.Background(), func(wm *world.WorldManager) {
		loadErr = wm.Store.LoadImmediate(0, 0, false)
	}))
	require.NoError(t, loadErr)
	return r
}

func (r *region) densityAt(t *testing.T, key string, x, y, z int) float32 {
	t.Helper()
	var d float32
	require.NoError(t, r.world.Do(context.Background(), func(wm *world.WorldManager) {
		c, ok := wm.Chunk(key)
		if ok {
			d = c.Density(x, y, z)
		}
	}))
	return d
}

func (r *region) remote() []world.ModifiedChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]world.ModifiedChunk(nil), r.received...)
}

func TestSyncManager_ReplicatesEdits(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()

	a := newRegion(t, bus, "a")
	b := newRegion(t, bus, "b")

	require.Greater(t, b.densityAt(t, "0_0", 5, 5, 5), float32(0.5), "до правки ячейка под поверхностью заполнена")

	var cost int
	require.NoError(t, a.world.Do(context.Background(), func(wm *world.WorldManager) {
		cost = wm.Editor.Dig(vec.Vec3Float{X: 5.5, Y: 5.5, Z: 5.5}, "shovel")
	}))
	require.Equal(t, 1, cost)
	a.sync.Flush()

	require.Eventually(t, func() bool {
		return b.densityAt(t, "0_0", 5, 5, 5) == 0
	}, 2*time.Second, 10*time.Millisecond, "правка региона a должна дойти до b")

	got := b.remote()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].ChunkX)
	assert.Equal(t, 0, got[0].ChunkZ)

	applied, _ := a.sync.consumer.Counters()
	assert.Zero(t, applied, "собственные пакеты не применяются")
	assert.Empty(t, a.remote())

	var modified bool
	require.NoError(t, b.world.Do(context.Background(), func(wm *world.WorldManager) {
		c, _ := wm.Chunk("0_0")
		modified = c.IsModified()
	}))
	assert.True(t, modified, "применённая запись помечает чанк изменённым")
}

func TestSyncConsumer_SkipsStaleAndCorrupt(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()
	b := newRegion(t, bus, "b")

	c := world.NewChunk(vec.Vec2{X: 0, Z: 0}, 16, 32)
	data, err := world.Serialize(c)
	require.NoError(t, err)

	now := time.Now().UTC()
	ctx := context.Background()
	require.NoError(t, b.sync.consumer.applyChange(ctx, &ChunkChange{Key: "0_0", Data: data, Timestamp: now}))
	require.NoError(t, b.sync.consumer.applyChange(ctx, &ChunkChange{Key: "0_0", Data: data, Timestamp: now.Add(-time.Minute)}))
	applied, _ := b.sync.consumer.Counters()
	assert.EqualValues(t, 1, applied, "устаревшая запись пропущена")

	assert.Error(t, b.sync.consumer.applyChange(ctx, &ChunkChange{Key: "1_1", Data: []byte("{}"), Timestamp: now}))
	assert.Error(t, b.sync.consumer.applyChange(ctx, &ChunkChange{Key: "1_1", Timestamp: now}))

	// пакет с неизвестным кодеком отбрасывается целиком
	b.sync.consumer.handle(ctx, &eventbus.Envelope{Source: "x", Payload: []byte("?"), Metadata: map[string]string{"codec": "lz4", "changes": strconv.Itoa(1)}})
	applied, _ = b.sync.consumer.Counters()
	assert.EqualValues(t, 1, applied)
}

func TestLWWResolver(t *testing.T) {
	r := NewLWWResolver()
	now := time.Now()
	local := &ChunkChange{Key: "0_0", Timestamp: now, SourceRegion: "eu"}

	newer := &ChunkChange{Key: "0_0", Timestamp: now.Add(time.Second), SourceRegion: "us"}
	assert.Same(t, newer, r.Resolve(&Conflict{LocalChange: local, RemoteChange: newer}))

	older := &ChunkChange{Key: "0_0", Timestamp: now.Add(-time.Second), SourceRegion: "us"}
	assert.Same(t, local, r.Resolve(&Conflict{LocalChange: local, RemoteChange: older}))

	// равные timestamp: выигрывает меньший регион на любом узле
	tieLow := &ChunkChange{Key: "0_0", Timestamp: now, SourceRegion: "asia"}
	assert.Same(t, tieLow, r.Resolve(&Conflict{LocalChange: local, RemoteChange: tieLow}))
	tieHigh := &ChunkChange{Key: "0_0", Timestamp: now, SourceRegion: "us"}
	assert.Same(t, local, r.Resolve(&Conflict{LocalChange: local, RemoteChange: tieHigh}))
}

func TestSyncConsumer_LocalEditBeatsOlderRemote(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()
	b := newRegion(t, bus, "b")

	remoteTime := time.Now().UTC().Add(-time.Second)
	require.NoError(t, b.world.Do(context.Background(), func(wm *world.WorldManager) {
		wm.Editor.Dig(vec.Vec3Float{X: 5.5, Y: 5.5, Z: 5.5}, "")
	}))

	c := world.NewChunk(vec.Vec2{X: 0, Z: 0}, 16, 32)
	data, err := world.Serialize(c)
	require.NoError(t, err)
	require.NoError(t, b.sync.consumer.applyChange(context.Background(), &ChunkChange{
		Key: "0_0", Data: data, Timestamp: remoteTime, SourceRegion: "a",
	}))

	applied, _ := b.sync.consumer.Counters()
	assert.Zero(t, applied, "запись старше локальной правки не применяется")
	assert.EqualValues(t, 1, b.sync.consumer.Stale())
	assert.Zero(t, b.densityAt(t, "0_0", 5, 5, 5), "локальная правка сохранена")
}

func TestSyncConsumer_OlderRemoteQueuedBehindLocalEdit(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()
	b := newRegion(t, bus, "b")
	ctx := context.Background()

	data, err := world.Serialize(world.NewChunk(vec.Vec2{X: 0, Z: 0}, 16, 32))
	require.NoError(t, err)
	remoteTime := time.Now().UTC()

	// держим горутину тика, пока обе команды не встанут в очередь
	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = b.world.Do(ctx, func(*world.WorldManager) {
			close(blocked)
			<-release
		})
	}()
	<-blocked

	placed := make(chan error, 1)
	go func() {
		placed <- b.world.Do(ctx, func(wm *world.WorldManager) {
			wm.Editor.Place(vec.Vec3Float{X: 5, Y: 20, Z: 5}, 1)
		})
	}()
	remote := make(chan error, 1)
	go func() {
		remote <- b.sync.consumer.applyChange(ctx, &ChunkChange{
			Key: "0_0", Data: data, Timestamp: remoteTime, SourceRegion: "a",
		})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-placed)
	require.NoError(t, <-remote)
	assert.Greater(t, b.densityAt(t, "0_0", 5, 20, 5), float32(0.5),
		"запись старше локальной правки не перетирает её в любом порядке команд")
}
