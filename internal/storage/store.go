package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/world"
)

// ErrRecordNotFound совпадает с world.ErrRecordNotFound, чтобы errors.Is
// работал одинаково по обе стороны интерфейса RecordStore.
var ErrRecordNotFound = world.ErrRecordNotFound

// ErrStoreClosed хранилище уже закрыто
var ErrStoreClosed = errors.New("хранилище закрыто")

const badgerKeyPrefix = "terrain:"

// Open создаёт хранилище записей по секции storage конфигурации.
func Open(cfg *config.Config) (world.RecordStore, error) {
	log := logging.GetStorageLogger().Info
	switch cfg.Storage.Backend {
	case "", "file":
		log("💾 Хранилище чанков: файлы в %s", filepath.Join(cfg.World.SaveRoot, cfg.World.Name, "terrain"))
		return NewFileStore(cfg.World.SaveRoot, cfg.World.Name)
	case "badger":
		dir := filepath.Join(cfg.Storage.BadgerDir, cfg.World.Name)
		log("💾 Хранилище чанков: BadgerDB в %s", dir)
		return NewBadgerStore(dir)
	case "redis":
		log("💾 Хранилище чанков: Redis %s db=%d", cfg.Storage.RedisAddr, cfg.Storage.RedisDB)
		return NewRedisStore(&RedisConfig{
			Addr:  cfg.Storage.RedisAddr,
			DB:    cfg.Storage.RedisDB,
			World: cfg.World.Name,
		})
	default:
		return nil, fmt.Errorf("неизвестный backend хранилища: %q", cfg.Storage.Backend)
	}
}
