package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/world"
)

// AppliedFunc вызывается после применения удалённой записи
type AppliedFunc func(chunk world.ModifiedChunk)

// SyncConsumer слушает TerrainSync пакеты других регионов и применяет
// записи чанков к локальному миру.
type SyncConsumer struct {
	sub       eventbus.Subscription
	region    string
	world     *world.WorldManager
	codecs    []DeltaCompressor
	onApplied AppliedFunc
	resolver  ConflictResolver
	timeout   time.Duration

	mu       sync.Mutex
	lastSeen map[string]ChunkChange // ключ -> последняя принятая запись (без Data)
	applied  uint64
	rejected uint64
	stale    uint64
}

func NewSyncConsumer(bus eventbus.EventBus, wm *world.WorldManager, region string, compressor DeltaCompressor, onApplied AppliedFunc) (*SyncConsumer, error) {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	sc := &SyncConsumer{
		region:    region,
		world:     wm,
		codecs:    []DeltaCompressor{compressor},
		onApplied: onApplied,
		resolver:  NewLWWResolver(),
		timeout:   5 * time.Second,
		lastSeen:  make(map[string]ChunkChange),
	}
	sub, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.TypeTerrainSync}}, sc.handle)
	if err != nil {
		return nil, err
	}
	sc.sub = sub
	return sc, nil
}

func (sc *SyncConsumer) handle(ctx context.Context, ev *eventbus.Envelope) {
	if ev.Source == sc.region {
		return
	}
	logging.Debug("SyncConsumer: batch size=%d bytes from %s", len(ev.Payload), ev.Source)

	codec, err := compressorFor(ev.Metadata["codec"], sc.codecs...)
	if err != nil {
		logging.Warn("SyncConsumer: пакет %s: %v", ev.ID, err)
		return
	}
	changes, err := codec.Decompress(ev.Payload)
	if err != nil {
		logging.Warn("SyncConsumer decompress error: %v", err)
		return
	}

	for i := range changes {
		if err := sc.applyChange(ctx, &changes[i]); err != nil {
			sc.mu.Lock()
			sc.rejected++
			sc.mu.Unlock()
			if errors.Is(err, world.ErrWorldStopped) {
				return
			}
			logging.Warn("SyncConsumer: ошибка применения изменения %s от %s: %v", changes[i].Key, ev.Source, err)
		}
	}
}

// applyChange применяет запись, если она новее последней принятой для ключа.
// Проверка и применение идут одной командой на горутине тика, между ними
// не может вклиниться локальная правка.
func (sc *SyncConsumer) applyChange(ctx context.Context, change *ChunkChange) error {
	if len(change.Data) == 0 {
		return fmt.Errorf("change data is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	var key string
	var applyErr error
	skipped := false
	err := sc.world.Do(ctx, func(wm *world.WorldManager) {
		if !sc.wins(change) {
			skipped = true
			return
		}
		key, applyErr = wm.Store.ApplyRecord(change.Data)
		if applyErr != nil {
			return
		}
		sc.mu.Lock()
		sc.lastSeen[key] = ChunkChange{Key: key, Timestamp: change.Timestamp, SourceRegion: change.SourceRegion}
		sc.applied++
		sc.mu.Unlock()
	})
	if err != nil {
		return err
	}
	if skipped {
		logging.Debug("SyncConsumer: устаревшая запись %s от %s пропущена", change.Key, change.SourceRegion)
		return nil
	}
	if applyErr != nil {
		return applyErr
	}
	coords, err := world.ParseChunkKey(key)
	if err != nil {
		return err
	}

	if sc.onApplied != nil {
		sc.onApplied(world.ModifiedChunk{ChunkX: coords.X, ChunkZ: coords.Z, Data: change.Data})
	}
	return nil
}

// wins проверяет запись против последней принятой для того же ключа
func (sc *SyncConsumer) wins(change *ChunkChange) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	last, ok := sc.lastSeen[change.Key]
	if !ok {
		return true
	}
	winner := sc.resolver.Resolve(&Conflict{LocalChange: &last, RemoteChange: change, DetectedAt: time.Now()})
	if winner != change {
		sc.stale++
		return false
	}
	return true
}

// NoteLocal запоминает локальную правку: более старые удалённые записи
// того же чанка её не перетрут. Вызывается на горутине тика.
func (sc *SyncConsumer) NoteLocal(ev world.EditEvent) {
	sc.mu.Lock()
	sc.lastSeen[ev.Key] = ChunkChange{Key: ev.Key, Timestamp: time.Now().UTC(), SourceRegion: sc.region}
	sc.mu.Unlock()
}

// Counters число применённых и отклонённых записей
func (sc *SyncConsumer) Counters() (applied, rejected uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.applied, sc.rejected
}

// Stale число записей, проигравших разрешение конфликта
func (sc *SyncConsumer) Stale() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stale
}

func (sc *SyncConsumer) Stop() { sc.sub.Unsubscribe() }
