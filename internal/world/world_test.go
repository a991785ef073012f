package world

import (
	"context"
	"testing"
	"time"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldManager_Creation(t *testing.T) {
	w := newTestWorld(t, 10, nil, nil)

	assert.NotNil(t, w.Store, "ChunkStore должен быть создан")
	assert.NotNil(t, w.Mesher, "MeshPipeline должен быть создан")
	assert.NotNil(t, w.Editor, "Editor должен быть создан")
	assert.Equal(t, 0, w.ChunkCount(), "таблица чанков изначально пуста")
	assert.Equal(t, "test", w.Options().WorldName)
}

func TestWorldManager_TickStreamsAndMeshes(t *testing.T) {
	w := newTestWorld(t, 10, nil, nil)
	w.SetPlayerPosition("p1", vec.Vec3Float{X: 8, Y: 12, Z: 8})

	for i := 0; i < 10; i++ {
		w.Tick()
		w.Mesher.WaitIdle()
	}
	w.settle(t)

	stats := w.Stats()
	assert.Equal(t, 13, stats.LoadedChunks)
	assert.Equal(t, 0, stats.DirtyChunks)
	assert.Equal(t, 1, stats.TrackedPlayers)
	assert.Equal(t, uint64(10), stats.Ticks)

	visuals, collisions := w.host.Counts()
	assert.Equal(t, 13, visuals)
	assert.Greater(t, collisions, 0)
}

func TestWorldManager_RunDoAndStop(t *testing.T) {
	w := newTestWorld(t, 10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var res EditResult
	err := w.Do(ctx, func(wm *WorldManager) {
		assert.NoError(t, wm.Store.LoadImmediate(0, 0, false))
		res = wm.Editor.Apply(OpDig, vec.Vec3Float{X: 8, Y: 5, Z: 8}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cost)

	w.Stop()
	assert.True(t, w.records.has("0_0"), "остановка сохраняет изменённые чанки")

	err = w.Do(context.Background(), func(*WorldManager) {})
	assert.ErrorIs(t, err, ErrWorldStopped)
}

func TestWorldManager_DoRespectsContext(t *testing.T) {
	w := newTestWorld(t, 10, nil, nil)
	// цикл не запущен: команда не будет выполнена до отмены
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	for i := 0; i < cap(w.inbox); i++ {
		w.inbox <- command{fn: func(*WorldManager) {}, done: make(chan struct{})}
	}
	err := w.Do(ctx, func(*WorldManager) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorldManager_SaveWorldThrottle(t *testing.T) {
	w := newTestWorld(t, 10, nil, nil)
	require.NoError(t, w.Store.LoadImmediate(0, 0, false))
	w.Editor.Dig(vec.Vec3Float{X: 8, Y: 5, Z: 8}, "")

	require.NoError(t, w.SaveWorld(false))
	assert.False(t, w.records.has("0_0"), "недавнее сохранение: пропуск")

	require.NoError(t, w.SaveWorld(true))
	assert.True(t, w.records.has("0_0"))
}

func TestWorldManager_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	wm := NewWorldManager(opts, Deps{
		Sampler: flatSampler{height: 10},
		Records: newMemRecords(),
		Metrics: NewMetrics(reg),
	})
	t.Cleanup(wm.Stop)

	require.NoError(t, wm.Store.LoadImmediate(0, 0, true))
	wm.Editor.Dig(vec.Vec3Float{X: 8, Y: 5, Z: 8}, "")
	wm.Tick()

	assert.Equal(t, 1.0, testutil.ToFloat64(wm.metrics.LoadedChunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(wm.metrics.ChunkLoads.WithLabelValues("generated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(wm.metrics.Edits.WithLabelValues(OpDig, "true")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
