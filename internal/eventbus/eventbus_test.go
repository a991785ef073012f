package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_FilterByTypeAndSource(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var syncs, fromA int32
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeTerrainSync}}, func(ctx context.Context, ev *Envelope) {
		atomic.AddInt32(&syncs, 1)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{Sources: []string{"region-a"}}, func(ctx context.Context, ev *Envelope) {
		atomic.AddInt32(&fromA, 1)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: TypeTerrainSync, Source: "region-a"}))
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: TypeTerrainSync, Source: "region-b"}))
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: TypeChunkSaved, Source: "region-a"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&syncs) == 2 && atomic.LoadInt32(&fromA) == 2
	}, time.Second, 5*time.Millisecond, "фильтры по типу и источнику")

	assert.Eventually(t, func() bool { return bus.Metrics().Consumed == 4 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, bus.Metrics().Published)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var got int32
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		atomic.AddInt32(&got, 1)
	})
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypeTerrainSync}))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&got))
}

// stallDispatch держит mu: dispatchLoop забирает одно событие и ждёт замка,
// следующее событие остаётся в буфере.
func stallDispatch(t *testing.T, bus EventBus) func() {
	t.Helper()
	mb := bus.(*memoryBus)
	mb.mu.Lock()
	require.NoError(t, bus.Publish(context.Background(), &Envelope{Priority: 9}))
	require.Eventually(t, func() bool { return len(mb.buffer) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), &Envelope{Priority: 9}))
	return mb.mu.Unlock
}

func TestMemoryBus_DropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	release := stallDispatch(t, bus)
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypeChunkSaved, Priority: 1}))
	}
	release()

	stats := bus.Metrics()
	assert.EqualValues(t, 2, stats.Published)
	assert.EqualValues(t, 5, stats.Dropped, "низкий приоритет отбрасывается при полном буфере")
}

func TestMemoryBus_HighPriorityRespectsContext(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	release := stallDispatch(t, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, &Envelope{Priority: 9})
	release()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(4)

	delivered := make(chan struct{}, 1)
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypeTerrainSync}))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "повторное закрытие безопасно")

	assert.ErrorIs(t, bus.Publish(context.Background(), &Envelope{}), ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestGlobalPublish(t *testing.T) {
	Init(nil)
	assert.NoError(t, Publish(context.Background(), &Envelope{}), "без шины публикация игнорируется")

	bus := NewMemoryBus(4)
	defer bus.Close()
	Init(bus)
	defer Init(nil)

	got := make(chan *Envelope, 1)
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) { got <- ev })
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), &Envelope{ID: "x1"}))
	select {
	case ev := <-got:
		assert.Equal(t, "x1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("событие не доставлено через глобальную шину")
	}
}

func TestLoggingListener(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	sub, err := StartLoggingListener(bus)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypeTerrainSync}))
	assert.Eventually(t, func() bool { return bus.Metrics().Consumed == 1 }, time.Second, 5*time.Millisecond)
	sub.Unsubscribe()
}

type fakeStatsBus struct {
	EventBus
	stats Stats
}

func (f *fakeStatsBus) Metrics() Stats { return f.stats }

func TestMetricsExporter(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := &fakeStatsBus{stats: Stats{Published: 5, Consumed: 3, Dropped: 1, InFlight: 2}}
	me := NewMetricsExporter(bus, reg)

	prev := me.collect(Stats{})
	assert.Equal(t, 5.0, testutil.ToFloat64(me.published))
	assert.Equal(t, 2.0, testutil.ToFloat64(me.inflight))

	bus.stats = Stats{Published: 8, Consumed: 3, Dropped: 1}
	me.collect(prev)
	assert.Equal(t, 8.0, testutil.ToFloat64(me.published), "counter растёт на дельту")
	assert.Equal(t, 3.0, testutil.ToFloat64(me.consumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.dropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(me.inflight))

	me.Start()
	me.Stop()
}
