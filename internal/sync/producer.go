package sync

import (
	"time"

	"github.com/annel0/voxel-terrain/internal/world"
)

// SyncProducer передаёт правки мира BatchManager'у.
type SyncProducer struct {
	bm     *BatchManager
	region string
}

func NewSyncProducer(bm *BatchManager, region string) *SyncProducer {
	return &SyncProducer{bm: bm, region: region}
}

// OnEdit слушатель правок мира. Вызывается на горутине тика.
func (sp *SyncProducer) OnEdit(ev world.EditEvent) {
	sp.bm.AddChange(ChunkChange{
		Key:          ev.Key,
		ChunkX:       ev.ChunkX,
		ChunkZ:       ev.ChunkZ,
		Operation:    ev.Operation,
		Data:         ev.Data,
		Priority:     PriorityEdit,
		Timestamp:    time.Now().UTC(),
		SourceRegion: sp.region,
	})
}
