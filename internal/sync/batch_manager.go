package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/google/uuid"
)

// BatchManager накапливает изменения чанков и отправляет их пакетами через EventBus.
// Каждый региональный узел имеет собственный экземпляр.
type BatchManager struct {
	mu       sync.Mutex
	buf      []ChunkChange
	index    map[string]int // ключ чанка -> позиция в buf
	capacity int

	flushEvery time.Duration
	bus        eventbus.EventBus
	source     string // имя текущего узла/region-id
	compressor DeltaCompressor

	published uint64
	dropped   uint64

	kick     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBatchManager создаёт менеджер с указанным лимитом буфера и интервалом отправки.
func NewBatchManager(bus eventbus.EventBus, source string, capacity int, flushEvery time.Duration, compressor DeltaCompressor) *BatchManager {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	if capacity <= 0 {
		capacity = 32
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	bm := &BatchManager{
		index:      make(map[string]int),
		capacity:   capacity,
		flushEvery: flushEvery,
		bus:        bus,
		source:     source,
		compressor: compressor,
		kick:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go bm.loop()
	return bm
}

// AddChange добавляет изменение в буфер. Запись того же чанка заменяется
// на месте; при переполнении вытесняется изменение с меньшим приоритетом.
func (bm *BatchManager) AddChange(ch ChunkChange) {
	if ch.SourceRegion == "" {
		ch.SourceRegion = bm.source
	}
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now().UTC()
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	if i, ok := bm.index[ch.Key]; ok {
		if ch.Priority < bm.buf[i].Priority {
			ch.Priority = bm.buf[i].Priority
		}
		bm.buf[i] = ch
		return
	}

	if len(bm.buf) >= bm.capacity {
		// ищем самое низкое Priority и заменяем, если новый выше.
		lowIdx := -1
		lowPri := ch.Priority
		for i, c := range bm.buf {
			if c.Priority < lowPri {
				lowPri = c.Priority
				lowIdx = i
			}
		}
		if lowIdx < 0 {
			// все изменения >= чем новый, дропаём новый
			bm.dropped++
			logging.Warn("BatchManager: буфер полон, изменение %s отброшено", ch.Key)
			return
		}
		bm.dropped++
		delete(bm.index, bm.buf[lowIdx].Key)
		bm.buf[lowIdx] = ch
		bm.index[ch.Key] = lowIdx
		return
	}

	bm.index[ch.Key] = len(bm.buf)
	bm.buf = append(bm.buf, ch)
	if len(bm.buf) >= bm.capacity {
		select {
		case bm.kick <- struct{}{}:
		default:
		}
	}
}

// Pending число изменений в буфере
func (bm *BatchManager) Pending() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.buf)
}

// Counters число отправленных пакетов и отброшенных изменений
func (bm *BatchManager) Counters() (published, dropped uint64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.published, bm.dropped
}

func (bm *BatchManager) loop() {
	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()
	defer close(bm.done)

	for {
		select {
		case <-ticker.C:
			bm.Flush()
		case <-bm.kick:
			bm.Flush()
		case <-bm.quit:
			return
		}
	}
}

// Flush отсылает накопленные изменения единым сообщением TerrainSync.
func (bm *BatchManager) Flush() {
	bm.mu.Lock()
	if len(bm.buf) == 0 {
		bm.mu.Unlock()
		return
	}
	changes := make([]ChunkChange, len(bm.buf))
	copy(changes, bm.buf)
	bm.buf = bm.buf[:0]
	clear(bm.index)
	bm.mu.Unlock()

	payload, err := bm.compressor.Compress(changes)
	if err != nil {
		logging.Warn("BatchManager compress error: %v", err)
		return
	}

	priority := 0
	for _, c := range changes {
		if c.Priority > priority {
			priority = c.Priority
		}
	}

	env := &eventbus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    bm.source,
		EventType: eventbus.TypeTerrainSync,
		Version:   1,
		Priority:  priority,
		Payload:   payload,
		Metadata: map[string]string{
			"codec":   bm.compressor.Name(),
			"changes": strconv.Itoa(len(changes)),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bm.bus.Publish(ctx, env); err != nil {
		logging.Warn("BatchManager publish error: %v", err)
		return
	}

	bm.mu.Lock()
	bm.published++
	bm.mu.Unlock()
	logging.Debug("BatchManager: отправлен пакет %s (%d изменений, %d байт)", env.ID, len(changes), len(payload))
}

// Stop завершает работу менеджера и отправляет оставшиеся изменения.
func (bm *BatchManager) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.quit)
		<-bm.done
		bm.Flush()
	})
}
