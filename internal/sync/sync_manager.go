package sync

import (
	"errors"
	"time"

	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/world"
)

// SyncManager координирует работу всех компонентов синхронизации:
// BatchManager, SyncProducer, SyncConsumer.
type SyncManager struct {
	bm       *BatchManager
	producer *SyncProducer
	consumer *SyncConsumer
}

type SyncConfig struct {
	RegionID   string
	Bus        eventbus.EventBus
	World      *world.WorldManager
	BatchSize  int
	FlushEvery time.Duration
	UseZstd    bool
	// OnRemoteApplied получает записи, применённые из других регионов
	OnRemoteApplied AppliedFunc
}

// NewSyncManager регистрирует слушателя правок в мире, поэтому вызывается
// до запуска цикла тиков.
func NewSyncManager(cfg SyncConfig) (*SyncManager, error) {
	if cfg.Bus == nil || cfg.World == nil {
		return nil, errors.New("sync: нужны шина событий и мир")
	}

	var compressor DeltaCompressor
	if cfg.UseZstd {
		compressor = NewZstdCompressor()
		logging.Info("🔄 SyncManager: используется zstd-компрессия")
	} else {
		compressor = NewPassthroughCompressor()
		logging.Info("🔄 SyncManager: компрессия отключена")
	}

	bm := NewBatchManager(cfg.Bus, cfg.RegionID, cfg.BatchSize, cfg.FlushEvery, compressor)
	producer := NewSyncProducer(bm, cfg.RegionID)

	consumer, err := NewSyncConsumer(cfg.Bus, cfg.World, cfg.RegionID, compressor, cfg.OnRemoteApplied)
	if err != nil {
		bm.Stop()
		return nil, err
	}
	cfg.World.AddEditListener(func(ev world.EditEvent) {
		consumer.NoteLocal(ev)
		producer.OnEdit(ev)
	})

	logging.Info("✅ SyncManager инициализирован: region=%s, batch=%d, flush=%v",
		cfg.RegionID, cfg.BatchSize, cfg.FlushEvery)

	return &SyncManager{
		bm:       bm,
		producer: producer,
		consumer: consumer,
	}, nil
}

// Flush немедленно отправляет накопленные изменения
func (sm *SyncManager) Flush() { sm.bm.Flush() }

func (sm *SyncManager) Stop() {
	sm.consumer.Stop()
	sm.bm.Stop()
	logging.Info("🔄 SyncManager остановлен")
}
