package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера террейна.
type Config struct {
	World        WorldConfig        `yaml:"world"`
	Terrain      TerrainConfig      `yaml:"terrain"`
	Generator    GeneratorConfig    `yaml:"generator"`
	BiomeTexture BiomeTextureConfig `yaml:"biome_texture"`
	Storage      StorageConfig      `yaml:"storage"`
	EventBus     EventBusConfig     `yaml:"eventbus"`
	Sync         SyncConfig         `yaml:"sync"`
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type WorldConfig struct {
	Name     string `yaml:"name"`
	Seed     int64  `yaml:"seed"`
	SaveRoot string `yaml:"save_root"`
}

// TerrainConfig параметры стриминга, мешинга и LOD
type TerrainConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkHeight       int           `yaml:"chunk_height"`
	LoadBatch         int           `yaml:"load_batch"`
	MaxInFlightMeshes int           `yaml:"max_in_flight_meshes"`
	MeshWorkers       int           `yaml:"mesh_workers"`
	HeadlessPerTick   int           `yaml:"headless_collision_per_tick"`
	Headless          bool          `yaml:"headless"`
	LODBuckets        []float64     `yaml:"lod_buckets"`
	CollisionLODs     int           `yaml:"collision_lods"`
	LODDemotion       bool          `yaml:"lod_demotion"`
	ViewRadius        int           `yaml:"view_radius"`
	UnloadRadius      int           `yaml:"unload_radius"`
	TickRate          int           `yaml:"tick_rate"`
	AutosaveInterval  time.Duration `yaml:"autosave_interval"`
	MaterialThreshold float32       `yaml:"material_threshold"`
}

type GeneratorConfig struct {
	BaseHeight float64 `yaml:"base_height"`
	Amplitude  float64 `yaml:"amplitude"`
	NoiseScale float64 `yaml:"noise_scale"`
	BiomeScale float64 `yaml:"biome_scale"`
}

type BiomeTextureConfig struct {
	Size          int     `yaml:"size"`
	WorldSpan     float64 `yaml:"world_span"`
	MoveThreshold float64 `yaml:"move_threshold"`
}

// StorageConfig выбирает backend хранения записей чанков: file | badger | redis
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	BadgerDir string `yaml:"badger_dir"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type SyncConfig struct {
	RegionID   string `yaml:"region_id"`
	BatchSize  int    `yaml:"batch_size"`
	FlushEvery int    `yaml:"flush_every_seconds"`
	UseZstd    bool   `yaml:"use_zstd_compression"`
}

type ServerConfig struct {
	HTTPPort    int `yaml:"http_port"`
	MetricsPort int `yaml:"metrics_port"`
	// PeerEditRate ограничение входящих правок на одного пира (в секунду)
	PeerEditRate  float64 `yaml:"peer_edit_rate"`
	PeerEditBurst int     `yaml:"peer_edit_burst"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Dir          string `yaml:"dir"`
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
	// Components уровни отдельных компонентов: world: DEBUG, network: WARN
	Components map[string]string `yaml:"components"`
}

// Default возвращает полностью заполненную конфигурацию
func Default() *Config {
	return &Config{
		World: WorldConfig{
			Name:     "default",
			Seed:     1337,
			SaveRoot: "worlds",
		},
		Terrain: TerrainConfig{
			ChunkSize:         16,
			ChunkHeight:       64,
			LoadBatch:         8,
			MaxInFlightMeshes: 4,
			MeshWorkers:       4,
			HeadlessPerTick:   2,
			Headless:          true,
			LODBuckets:        []float64{2, 4, 8, 16},
			CollisionLODs:     2,
			ViewRadius:        6,
			UnloadRadius:      8,
			TickRate:          20,
			AutosaveInterval:  5 * time.Minute,
			MaterialThreshold: 0.1,
		},
		Generator: GeneratorConfig{
			BaseHeight: 20,
			Amplitude:  24,
			NoiseScale: 0.05,
			BiomeScale: 0.02,
		},
		BiomeTexture: BiomeTextureConfig{
			Size:          64,
			WorldSpan:     256,
			MoveThreshold: 32,
		},
		Storage: StorageConfig{
			Backend:   "file",
			BadgerDir: "data/terrain",
			RedisAddr: "localhost:6379",
		},
		EventBus: EventBusConfig{
			Stream:    "TERRAIN_EVENTS",
			Retention: 24,
		},
		Sync: SyncConfig{
			RegionID:   "local",
			BatchSize:  32,
			FlushEvery: 1,
			UseZstd:    true,
		},
		Server: ServerConfig{
			PeerEditRate:  20,
			PeerEditBurst: 40,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "terrain-server",
		},
		Logging: LoggingConfig{
			ConsoleLevel: "INFO",
			FileLevel:    "DEBUG",
		},
	}
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	t := c.Terrain
	if c.World.Name == "" {
		return errors.New("world.name не задан")
	}
	if t.ChunkSize <= 0 || t.ChunkHeight <= 0 {
		return fmt.Errorf("некорректный размер чанка %dx%d", t.ChunkSize, t.ChunkHeight)
	}
	if t.LoadBatch <= 0 || t.MaxInFlightMeshes <= 0 || t.MeshWorkers <= 0 || t.HeadlessPerTick <= 0 {
		return errors.New("лимиты load_batch/max_in_flight_meshes/mesh_workers/headless_collision_per_tick должны быть > 0")
	}
	if len(t.LODBuckets) == 0 {
		return errors.New("terrain.lod_buckets пуст")
	}
	if !sort.Float64sAreSorted(t.LODBuckets) {
		return fmt.Errorf("terrain.lod_buckets должны идти по возрастанию: %v", t.LODBuckets)
	}
	if t.UnloadRadius < t.ViewRadius {
		return fmt.Errorf("unload_radius (%d) меньше view_radius (%d)", t.UnloadRadius, t.ViewRadius)
	}
	if t.TickRate <= 0 {
		return errors.New("terrain.tick_rate должен быть > 0")
	}
	switch c.Storage.Backend {
	case "file", "badger", "redis":
	default:
		return fmt.Errorf("неизвестный storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// GetHTTPPort возвращает REST/WebSocket порт с поддержкой fallback значений
func (s *ServerConfig) GetHTTPPort() int {
	return getPortWithEnvFallback(s.HTTPPort, "TERRAIN_HTTP_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "TERRAIN_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать из ENV TERRAIN_CONFIG; без файла возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("TERRAIN_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
