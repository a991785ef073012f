package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Terrain.LoadBatch)
	assert.Equal(t, 4, cfg.Terrain.MaxInFlightMeshes)
	assert.Equal(t, 2, cfg.Terrain.HeadlessPerTick)
	assert.Equal(t, 5*time.Minute, cfg.Terrain.AutosaveInterval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terrain.yaml")
	yml := `
world:
  name: island
  seed: 42
terrain:
  lod_buckets: [1, 3, 6]
  lod_demotion: true
  autosave_interval: 30s
storage:
  backend: badger
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "island", cfg.World.Name)
	assert.Equal(t, int64(42), cfg.World.Seed)
	assert.Equal(t, []float64{1, 3, 6}, cfg.Terrain.LODBuckets)
	assert.True(t, cfg.Terrain.LODDemotion)
	assert.Equal(t, 30*time.Second, cfg.Terrain.AutosaveInterval)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	// не заданные в файле значения остаются по умолчанию
	assert.Equal(t, 16, cfg.Terrain.ChunkSize)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	t.Setenv("TERRAIN_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.World.Name)
}

func TestValidateRejectsUnsortedBuckets(t *testing.T) {
	cfg := Default()
	cfg.Terrain.LODBuckets = []float64{4, 2}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "mysql"
	assert.Error(t, cfg.Validate())
}

func TestPortEnvFallback(t *testing.T) {
	s := ServerConfig{}
	t.Setenv("TERRAIN_HTTP_PORT", "9099")
	assert.Equal(t, 9099, s.GetHTTPPort())

	s.HTTPPort = 8000
	assert.Equal(t, 8000, s.GetHTTPPort())

	t.Setenv("TERRAIN_METRICS_PORT", "not-a-port")
	assert.Equal(t, 2112, s.GetMetricsPort())
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "terrain.yml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Terrain, cfg.Terrain)
	assert.Equal(t, def.Generator, cfg.Generator)
	assert.Equal(t, def.Sync, cfg.Sync)
	assert.Equal(t, 8088, cfg.Server.GetHTTPPort())
}
