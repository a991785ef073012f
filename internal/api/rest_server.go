package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"time"

	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/middleware"
	"github.com/annel0/voxel-terrain/internal/network"
	"github.com/annel0/voxel-terrain/internal/observability"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// requestTimeout сколько HTTP-обработчик ждёт горутину тика
const requestTimeout = 5 * time.Second

// RestServer представляет REST API сервера террейна
type RestServer struct {
	router  *gin.Engine
	world   *world.WorldManager
	records world.RecordStore
	peers   *network.PeerServer
	metrics *ServerMetrics
	tracer  trace.Tracer
	log     *logging.Logger
	srv     *http.Server
	addr    string
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr     string              // адрес для запуска сервера, например ":8088"
	World    *world.WorldManager // мир, к которому обращаются обработчики
	Records  world.RecordStore   // хранилище записей для выгруженных чанков
	Peers    *network.PeerServer // WebSocket транспорт пиров (nil: без /ws)
	Registry *prometheus.Registry
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Addr == "" {
		config.Addr = ":8088"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	log := logging.GetComponentLogger("api")
	router.Use(middleware.NewRequestLogger(log).Handler())
	router.Use(otelgin.Middleware("terrain_api"))

	var reg prometheus.Registerer
	var gatherer prometheus.Gatherer
	if config.Registry != nil {
		reg, gatherer = config.Registry, config.Registry
	}
	promMw := middleware.NewPrometheusMiddleware("terrain_api", reg)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, gatherer)

	server := &RestServer{
		router:  router,
		world:   config.World,
		records: config.Records,
		peers:   config.Peers,
		metrics: NewServerMetrics(),
		tracer:  observability.Tracer("api"),
		log:     log,
		addr:    config.Addr,
	}
	server.srv = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.setupRoutes()
	return server
}

// Handler возвращает http.Handler сервера (используется в тестах)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	// Middleware для CORS
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	api := rs.router.Group("/api")
	api.GET("/stats", rs.handleStats)

	terrain := api.Group("/terrain")
	{
		terrain.GET("/modified", rs.handleModified)
		terrain.GET("/chunks/:key", rs.handleChunk)
		terrain.POST("/edit", rs.handleEdit)
		terrain.POST("/save", rs.handleSave)
		terrain.GET("/biome-map", rs.handleBiomeMap)
	}

	if rs.peers != nil {
		rs.router.GET("/ws", gin.WrapF(rs.peers.HandleConnection))
	}

	rs.router.GET("/health", rs.handleHealth)
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// EditRequest тело POST /api/terrain/edit
type EditRequest struct {
	Operation string         `json:"operation" binding:"required"`
	Position  vec.Vec3Float  `json:"position"`
	Data      map[string]any `json:"data,omitempty"`
}

// inWorld выполняет fn на горутине тика с таймаутом запроса
func (rs *RestServer) inWorld(c *gin.Context, fn func(wm *world.WorldManager)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := rs.world.Do(ctx, fn); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, GenericResponse{Success: false, Message: "Мир недоступен: " + err.Error()})
		return false
	}
	return true
}

// handleStats возвращает статистику мира и процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	var worldStats world.Stats
	if !rs.inWorld(c, func(wm *world.WorldManager) { worldStats = wm.Stats() }) {
		return
	}

	stats := map[string]interface{}{
		"world": worldStats,
	}
	if rs.peers != nil {
		stats["peers"] = rs.peers.PeerCount()
	}

	memoryMB, _ := rs.metrics.GetMemoryUsage()
	cpuPercent, _ := rs.metrics.GetCPUUsage()

	stats["server"] = map[string]interface{}{
		"uptime":      rs.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.2f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
		"server_time": time.Now().Unix(),
	}
	stats["memory_details"] = rs.metrics.GetDetailedMemoryStats()

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

// handleModified отдаёт все изменённые чанки (тот же набор, что и bulk_resync)
func (rs *RestServer) handleModified(c *gin.Context) {
	var chunks []world.ModifiedChunk
	if !rs.inWorld(c, func(wm *world.WorldManager) { chunks = wm.Store.CollectAllModified() }) {
		return
	}
	if chunks == nil {
		chunks = []world.ModifiedChunk{}
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Изменённые чанки получены",
		Data: map[string]interface{}{
			"chunks": chunks,
			"total":  len(chunks),
		},
	})
}

// handleChunk отдаёт сериализованную запись чанка: из памяти, если он загружен,
// иначе из хранилища
func (rs *RestServer) handleChunk(c *gin.Context) {
	coords, err := world.ParseChunkKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Некорректный ключ чанка"})
		return
	}
	key := coords.Key()

	var data []byte
	var serErr error
	loaded := false
	ok := rs.inWorld(c, func(wm *world.WorldManager) {
		if chunk, found := wm.Chunk(key); found {
			loaded = true
			data, serErr = wm.SerializeChunk(chunk)
		}
	})
	if !ok {
		return
	}

	if !loaded && rs.records != nil {
		data, serErr = rs.records.Load(key)
		if errors.Is(serErr, world.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Чанк не найден"})
			return
		}
	}
	if serErr != nil {
		rs.log.Error("Чтение чанка %s: %v", key, serErr)
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: "Не удалось прочитать чанк"})
		return
	}
	if data == nil {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Чанк не найден"})
		return
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Чанк получен",
		Data: world.ModifiedChunk{
			ChunkX: coords.X,
			ChunkZ: coords.Z,
			Data:   data,
		},
	})
}

// handleEdit применяет правку через диспетчер и возвращает её стоимость
func (rs *RestServer) handleEdit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный формат запроса"})
		return
	}

	_, span := rs.tracer.Start(c.Request.Context(), "terrain.edit",
		trace.WithAttributes(
			attribute.String("terrain.operation", req.Operation),
			attribute.Float64("terrain.x", req.Position.X),
			attribute.Float64("terrain.y", req.Position.Y),
			attribute.Float64("terrain.z", req.Position.Z),
		))
	defer span.End()

	var res world.EditResult
	if !rs.inWorld(c, func(wm *world.WorldManager) { res = wm.Editor.Apply(req.Operation, req.Position, req.Data) }) {
		span.SetStatus(codes.Error, "world unavailable")
		return
	}
	span.SetAttributes(attribute.Int("terrain.cost", res.Cost), attribute.Bool("terrain.applied", res.Applied))

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Правка обработана",
		Data:    res,
	})
}

// handleSave принудительно сохраняет все изменённые чанки
func (rs *RestServer) handleSave(c *gin.Context) {
	var saveErr error
	if !rs.inWorld(c, func(wm *world.WorldManager) { saveErr = wm.SaveWorld(true) }) {
		return
	}
	if saveErr != nil {
		rs.log.Error("Сохранение по запросу: %v", saveErr)
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: saveErr.Error()})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Мир сохранён"})
}

// handleBiomeMap отдаёт текущую текстуру биомов в PNG
func (rs *RestServer) handleBiomeMap(c *gin.Context) {
	var buf bytes.Buffer
	var encErr error
	attached := false
	ok := rs.inWorld(c, func(wm *world.WorldManager) {
		if wm.Biomes == nil || wm.Biomes.Texture() == nil {
			return
		}
		attached = true
		encErr = png.Encode(&buf, wm.Biomes.Texture())
	})
	if !ok {
		return
	}
	if !attached {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Текстура биомов ещё не построена"})
		return
	}
	if encErr != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: encErr.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// handleHealth простая проверка живости
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("🌐 REST API слушает %s", rs.addr)
	if err := rs.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop выполняет graceful shutdown HTTP сервера
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.srv.Shutdown(ctx)
}
