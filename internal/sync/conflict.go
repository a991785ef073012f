package sync

import (
	"time"

	"github.com/annel0/voxel-terrain/internal/logging"
)

// Conflict представляет конфликт между последней принятой и новой записью чанка
type Conflict struct {
	LocalChange  *ChunkChange // последняя принятая запись (локальная правка или ранее применённая удалённая)
	RemoteChange *ChunkChange // пришедшая удалённая запись
	DetectedAt   time.Time
}

// ConflictResolver решает, какая из записей чанка остаётся в силе
type ConflictResolver interface {
	// Resolve возвращает победившее изменение
	Resolve(conflict *Conflict) *ChunkChange
}

// LWWResolver Last-Write-Wins: побеждает запись с более поздним timestamp.
// При равных timestamp побеждает регион с меньшим идентификатором, чтобы
// все узлы сходились к одной записи.
type LWWResolver struct{}

func NewLWWResolver() ConflictResolver {
	return &LWWResolver{}
}

func (r *LWWResolver) Resolve(conflict *Conflict) *ChunkChange {
	local, remote := conflict.LocalChange, conflict.RemoteChange

	switch {
	case remote.Timestamp.After(local.Timestamp):
		return remote
	case remote.Timestamp.Before(local.Timestamp):
		logging.Debug("LWW Resolver: %s остаётся за %s (newer)", local.Key, local.SourceRegion)
		return local
	case remote.SourceRegion < local.SourceRegion:
		return remote
	default:
		return local
	}
}
