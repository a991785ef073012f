package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxel-terrain/internal/api"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/network"
	"github.com/annel0/voxel-terrain/internal/observability"
	"github.com/annel0/voxel-terrain/internal/storage"
	tsync "github.com/annel0/voxel-terrain/internal/sync"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $TERRAIN_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.Configure(cfg.Logging.Dir,
		logging.ParseLevel(cfg.Logging.ConsoleLevel),
		logging.ParseLevel(cfg.Logging.FileLevel))
	logging.GetLoggerManager().Configure(cfg.Logging.Components)
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🏔️ Запуск сервера террейна: мир %q, seed=%d, storage=%s", cfg.World.Name, cfg.World.Seed, cfg.Storage.Backend)

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("инициализация телеметрии: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Остановка телеметрии: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// === ХРАНИЛИЩЕ ===
	records, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("открытие хранилища: %w", err)
	}
	defer func() {
		if err := records.Close(); err != nil {
			logging.Warn("Закрытие хранилища: %v", err)
		}
	}()

	// === МИР ===
	gen := cfg.Generator
	sampler := world.NewPerlinSamplerWith(cfg.World.Seed, gen.BaseHeight, gen.Amplitude, gen.NoiseScale, gen.BiomeScale)
	wm := world.NewWorldManager(world.OptionsFromConfig(cfg), world.Deps{
		Sampler: sampler,
		Records: records,
		Metrics: world.NewMetrics(registry),
	})
	bt := cfg.BiomeTexture
	wm.AttachBiomeTexture(world.NewBiomeTextureCache(sampler, nil, bt.Size, bt.WorldSpan, bt.MoveThreshold))

	// === ШИНА СОБЫТИЙ ===
	bus, err := openEventBus(cfg)
	if err != nil {
		return err
	}
	eventbus.Init(bus)
	defer bus.Close()

	busMetrics := eventbus.NewMetricsExporter(bus, registry)
	busMetrics.Start()
	defer busMetrics.Stop()

	if sub, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Логирующий подписчик шины не запущен: %v", err)
	} else {
		defer sub.Unsubscribe()
	}

	// === ПИРЫ И СИНХРОНИЗАЦИЯ ===
	peers := network.NewPeerServer(wm, network.Options{
		EditRate:  cfg.Server.PeerEditRate,
		EditBurst: cfg.Server.PeerEditBurst,
		Metrics:   network.NewMetrics(registry),
	})
	wm.AddEditListener(peers.OnEdit)

	syncManager, err := tsync.NewSyncManager(tsync.SyncConfig{
		RegionID:        cfg.Sync.RegionID,
		Bus:             bus,
		World:           wm,
		BatchSize:       cfg.Sync.BatchSize,
		FlushEvery:      time.Duration(cfg.Sync.FlushEvery) * time.Second,
		UseZstd:         cfg.Sync.UseZstd,
		OnRemoteApplied: peers.BroadcastChunk,
	})
	if err != nil {
		return fmt.Errorf("запуск синхронизации: %w", err)
	}

	// === HTTP ===
	restAddr := fmt.Sprintf(":%d", cfg.Server.GetHTTPPort())
	rest := api.NewRestServer(api.Config{
		Addr:     restAddr,
		World:    wm,
		Records:  records,
		Peers:    peers,
		Registry: registry,
	})

	metricsAddr := fmt.Sprintf(":%d", cfg.Server.GetMetricsPort())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// === ЗАПУСК ===
	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		wm.Run(ctx)
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := rest.Start(); err != nil {
			errCh <- fmt.Errorf("REST API: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("метрики: %w", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API и WebSocket: http://localhost%s (ws: /ws)", restAddr)
	logging.Info("   📊 Метрики: http://localhost%s/metrics", metricsAddr)
	logging.Info("   🔁 Регион синхронизации: %s", cfg.Sync.RegionID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
	case runErr = <-errCh:
		logging.Error("❌ Сервис завершился с ошибкой: %v", runErr)
	case <-worldDone:
		runErr = fmt.Errorf("цикл мира остановился")
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logging.Debug("Остановка HTTP серверов...")
	if err := rest.Stop(shutdownCtx); err != nil {
		logging.Error("Остановка REST API: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Остановка сервера метрик: %v", err)
	}

	peers.Close()

	// последний пакет правок уходит в шину до остановки мира
	syncManager.Stop()

	logging.Debug("Остановка мира и финальное сохранение...")
	wm.Stop()
	<-worldDone

	return runErr
}

func openEventBus(cfg *config.Config) (eventbus.EventBus, error) {
	if cfg.EventBus.URL == "" {
		logging.Info("🚌 Шина событий в памяти (eventbus.url не задан)")
		return eventbus.NewMemoryBus(1024), nil
	}
	retention := time.Duration(cfg.EventBus.Retention) * time.Hour
	bus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, retention)
	if err != nil {
		return nil, fmt.Errorf("подключение к JetStream %s: %w", cfg.EventBus.URL, err)
	}
	logging.Info("🚌 Шина событий JetStream: %s, стрим %s", cfg.EventBus.URL, cfg.EventBus.Stream)
	return bus, nil
}
