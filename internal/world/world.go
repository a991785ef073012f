package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/meshing"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// DefaultMaterialThreshold плотность, выше которой в ячейке есть материал
const DefaultMaterialThreshold float32 = 0.1

// ErrWorldStopped мир остановлен и больше не принимает команды
var ErrWorldStopped = errors.New("мир остановлен")

// ErrChunkNotLoaded операция обращается к чанку вне таблицы
var ErrChunkNotLoaded = errors.New("чанк не загружен")

// ErrRecordNotFound хранилище не содержит записи для ключа
var ErrRecordNotFound = errors.New("запись чанка не найдена")

// RecordStore постоянное хранилище записей чанков. Существование записи
// означает, что чанк расходится с процедурной генерацией.
type RecordStore interface {
	Save(key string, data []byte) error
	// Load возвращает ErrRecordNotFound, если записи нет
	Load(key string) ([]byte, error)
	Keys() ([]string, error)
	Delete(key string) error
	Close() error
}

// Options параметры мира
type Options struct {
	WorldName         string
	ChunkSize         int
	ChunkHeight       int
	LoadBatch         int
	MaxInFlight       int
	Workers           int
	HeadlessPerTick   int
	Headless          bool
	LODBuckets        []float64
	CollisionLODs     int
	LODDemotion       bool
	ViewRadius        int
	UnloadRadius      int
	TickRate          int
	AutosaveInterval  time.Duration
	MaterialThreshold float32
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig переносит секции world/terrain конфигурации в Options
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Terrain
	buckets := make([]float64, len(t.LODBuckets))
	copy(buckets, t.LODBuckets)
	return Options{
		WorldName:         cfg.World.Name,
		ChunkSize:         t.ChunkSize,
		ChunkHeight:       t.ChunkHeight,
		LoadBatch:         t.LoadBatch,
		MaxInFlight:       t.MaxInFlightMeshes,
		Workers:           t.MeshWorkers,
		HeadlessPerTick:   t.HeadlessPerTick,
		Headless:          t.Headless,
		LODBuckets:        buckets,
		CollisionLODs:     t.CollisionLODs,
		LODDemotion:       t.LODDemotion,
		ViewRadius:        t.ViewRadius,
		UnloadRadius:      t.UnloadRadius,
		TickRate:          t.TickRate,
		AutosaveInterval:  t.AutosaveInterval,
		MaterialThreshold: t.MaterialThreshold,
	}
}

// Deps внешние зависимости мира
type Deps struct {
	Sampler Sampler
	Records RecordStore
	Host    RenderHost
	Builder meshing.Builder
	Metrics *Metrics
}

// EditEvent изменённый правкой чанк, отправляемый слушателям (инкрементальная синхронизация)
type EditEvent struct {
	Operation string
	Key       string
	ChunkX    int
	ChunkZ    int
	Data      []byte
}

// EditListener вызывается на горутине тика после каждой правки
type EditListener func(ev EditEvent)

type command struct {
	fn   func(wm *WorldManager)
	done chan struct{}
}

// Stats снимок состояния мира
type Stats struct {
	LoadedChunks    int       `json:"loaded_chunks"`
	ModifiedChunks  int       `json:"modified_chunks"`
	DirtyChunks     int       `json:"dirty_chunks"`
	PendingLoads    int       `json:"pending_loads"`
	PendingMeshes   int       `json:"pending_meshes"`
	InFlightMeshes  int       `json:"in_flight_meshes"`
	TrackedPlayers  int       `json:"tracked_players"`
	Ticks           uint64    `json:"ticks"`
	LastSave        time.Time `json:"last_save"`
	Headless        bool      `json:"headless"`
	BiomeRegenCount int       `json:"biome_regenerations"`
}

// WorldManager владеет таблицей чанков и координирует ChunkStore, MeshPipeline,
// Editor и BiomeTextureCache. Все методы, кроме Do, Run и Stop, вызываются
// только с горутины тика.
type WorldManager struct {
	opts    Options
	sampler Sampler
	records RecordStore
	host    RenderHost
	metrics *Metrics
	log     *logging.Logger

	chunks    map[string]*Chunk
	players   map[string]vec.Vec3Float
	focus     string
	nextEpoch uint64
	ticks     uint64

	Store  *ChunkStore
	Mesher *MeshPipeline
	Editor *Editor
	Biomes *BiomeTextureCache

	listeners []EditListener

	inbox        chan command
	done         chan struct{}
	running      atomic.Bool
	stopOnce     sync.Once
	lastSaveTime time.Time
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

// NewWorldManager создаёт мир. Host и Builder по умолчанию: MemoryHost и BlockyBuilder.
func NewWorldManager(opts Options, deps Deps) *WorldManager {
	if opts.MaterialThreshold <= 0 {
		opts.MaterialThreshold = DefaultMaterialThreshold
	}
	if deps.Host == nil {
		deps.Host = NewMemoryHost()
	}
	if deps.Builder == nil {
		deps.Builder = meshing.NewBlockyBuilder()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorldManager{
		opts:         opts,
		sampler:      deps.Sampler,
		records:      deps.Records,
		host:         deps.Host,
		metrics:      deps.Metrics,
		log:          logging.GetWorldLogger(),
		chunks:       make(map[string]*Chunk),
		players:      make(map[string]vec.Vec3Float),
		inbox:        make(chan command, 256),
		done:         make(chan struct{}),
		lastSaveTime: time.Now(),
		ctx:          ctx,
		cancelFunc:   cancel,
	}

	wm.Store = newChunkStore(wm)
	wm.Mesher = newMeshPipeline(wm, deps.Builder)
	wm.Editor = newEditor(wm)
	return wm
}

// Options возвращает параметры мира
func (wm *WorldManager) Options() Options {
	return wm.opts
}

// Host возвращает хост ресурсов
func (wm *WorldManager) Host() RenderHost {
	return wm.host
}

// AttachBiomeTexture подключает кэш текстуры биомов, который обновляется
// на каждом тике по позиции фокусного игрока
func (wm *WorldManager) AttachBiomeTexture(cache *BiomeTextureCache) {
	wm.Biomes = cache
}

// AddEditListener регистрирует слушателя правок
func (wm *WorldManager) AddEditListener(l EditListener) {
	wm.listeners = append(wm.listeners, l)
}

func (wm *WorldManager) notifyEdit(ev EditEvent) {
	for _, l := range wm.listeners {
		l(ev)
	}
}

// --- доступ к таблице чанков по ключу ---

// Chunk возвращает загруженный чанк. Ссылку нельзя хранить после текущего тика.
func (wm *WorldManager) Chunk(key string) (*Chunk, bool) {
	c, ok := wm.chunks[key]
	return c, ok
}

// SerializeChunk кодирует чанк с порогом материала этого мира
func (wm *WorldManager) SerializeChunk(c *Chunk) ([]byte, error) {
	return SerializeWith(c, wm.opts.MaterialThreshold)
}

// IsLoaded сообщает, загружен ли чанк
func (wm *WorldManager) IsLoaded(key string) bool {
	_, ok := wm.chunks[key]
	return ok
}

// ChunkCount количество загруженных чанков
func (wm *WorldManager) ChunkCount() int {
	return len(wm.chunks)
}

// LoadedKeys возвращает отсортированные ключи загруженных чанков
func (wm *WorldManager) LoadedKeys() []string {
	keys := make([]string, 0, len(wm.chunks))
	for k := range wm.chunks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (wm *WorldManager) insertChunk(c *Chunk) {
	wm.nextEpoch++
	c.epoch = wm.nextEpoch
	wm.chunks[c.Key()] = c
}

func (wm *WorldManager) removeChunk(key string) {
	delete(wm.chunks, key)
}

// chunkAtCell возвращает чанк, содержащий мировую ячейку, и локальные координаты в нём
func (wm *WorldManager) chunkAtCell(cell vec.Vec3) (*Chunk, vec.Vec3, bool) {
	size := wm.opts.ChunkSize
	cc := cell.XZ().ToChunkCoords(size)
	c, ok := wm.chunks[cc.Key()]
	if !ok {
		return nil, vec.Vec3{}, false
	}
	local := cell.XZ().LocalInChunk(size)
	return c, vec.Vec3{X: local.X, Y: cell.Y, Z: local.Z}, true
}

// ChunkCoordsAt возвращает координаты чанка для мировой позиции
func (wm *WorldManager) ChunkCoordsAt(pos vec.Vec3Float) vec.Vec2 {
	return pos.Floor().XZ().ToChunkCoords(wm.opts.ChunkSize)
}

// markDirtyWithNeighbors помечает чанк и его восемь соседей (если загружены)
// грязными и ставит их в очередь мешинга. Повторная постановка в очередь исключена.
func (wm *WorldManager) markDirtyWithNeighbors(coords vec.Vec2, includeSelf bool) {
	if includeSelf {
		wm.markDirty(coords.Key())
	}
	for _, n := range coords.Neighbors8() {
		wm.markDirty(n.Key())
	}
}

func (wm *WorldManager) markDirty(key string) {
	c, ok := wm.chunks[key]
	if !ok {
		return
	}
	c.MarkDirty()
	wm.Mesher.Enqueue(key)
}

// --- игроки ---

// SetPlayerPosition обновляет позицию отслеживаемого игрока. Первый игрок
// становится фокусом текстуры биомов.
func (wm *WorldManager) SetPlayerPosition(id string, pos vec.Vec3Float) {
	if _, ok := wm.players[id]; !ok && wm.focus == "" {
		wm.focus = id
	}
	wm.players[id] = pos
}

// RemovePlayer перестаёт отслеживать игрока
func (wm *WorldManager) RemovePlayer(id string) {
	delete(wm.players, id)
	if wm.focus == id {
		wm.focus = ""
		ids := make([]string, 0, len(wm.players))
		for pid := range wm.players {
			ids = append(ids, pid)
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			wm.focus = ids[0]
		}
	}
}

// SetFocusPlayer выбирает игрока, вокруг которого строится текстура биомов
func (wm *WorldManager) SetFocusPlayer(id string) bool {
	if _, ok := wm.players[id]; !ok {
		return false
	}
	wm.focus = id
	return true
}

// PlayerCount количество отслеживаемых игроков
func (wm *WorldManager) PlayerCount() int {
	return len(wm.players)
}

// playerChunks возвращает координаты чанков всех игроков
func (wm *WorldManager) playerChunks() []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(wm.players))
	for _, p := range wm.players {
		out = append(out, wm.ChunkCoordsAt(p))
	}
	return out
}

// --- тик ---

// Tick выполняет один шаг симуляции террейна
func (wm *WorldManager) Tick() {
	start := time.Now()
	wm.ticks++

	wm.Store.UpdateStreaming()
	wm.Store.DrainLoads()
	wm.Mesher.ApplyResults()
	wm.Mesher.RecheckLOD()
	wm.Mesher.Dispatch()

	if wm.Biomes != nil && wm.focus != "" {
		if pos, ok := wm.players[wm.focus]; ok {
			wm.Biomes.Update(pos.XZ())
		}
	}

	wm.updateGauges()
	wm.metrics.TickDuration.Observe(time.Since(start).Seconds())
}

func (wm *WorldManager) updateGauges() {
	wm.metrics.LoadedChunks.Set(float64(len(wm.chunks)))
	wm.metrics.PendingLoads.Set(float64(wm.Store.PendingCount()))
	wm.metrics.PendingMeshes.Set(float64(wm.Mesher.PendingCount()))
	wm.metrics.InFlightMeshes.Set(float64(wm.Mesher.InFlightCount()))
	wm.metrics.TrackedPlayers.Set(float64(len(wm.players)))
}

// Stats возвращает снимок состояния
func (wm *WorldManager) Stats() Stats {
	s := Stats{
		LoadedChunks:   len(wm.chunks),
		PendingLoads:   wm.Store.PendingCount(),
		PendingMeshes:  wm.Mesher.PendingCount(),
		InFlightMeshes: wm.Mesher.InFlightCount(),
		TrackedPlayers: len(wm.players),
		Ticks:          wm.ticks,
		LastSave:       wm.lastSaveTime,
		Headless:       wm.opts.Headless,
	}
	for _, c := range wm.chunks {
		if c.modified {
			s.ModifiedChunks++
		}
		if c.dirty {
			s.DirtyChunks++
		}
	}
	if wm.Biomes != nil {
		s.BiomeRegenCount = wm.Biomes.Regenerations()
	}
	return s
}

// Run крутит цикл тика до отмены контекста. Команды из Do выполняются
// на этой же горутине между тиками. При выходе сохраняет изменённые чанки
// и останавливает пул воркеров.
func (wm *WorldManager) Run(parentCtx context.Context) {
	if !wm.running.CompareAndSwap(false, true) {
		wm.log.Warn("Run вызван повторно, игнорируем")
		return
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}
	defer wm.shutdown()

	rate := wm.opts.TickRate
	if rate <= 0 {
		rate = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	autosaveEvery := wm.opts.AutosaveInterval
	if autosaveEvery <= 0 {
		autosaveEvery = 5 * time.Minute
	}
	autosave := time.NewTicker(autosaveEvery)
	defer autosave.Stop()

	wm.log.Info("🌍 Мир %q запущен: %d тиков/с, автосохранение каждые %s", wm.opts.WorldName, rate, autosaveEvery)

	for {
		select {
		case <-parentCtx.Done():
			return
		case <-wm.ctx.Done():
			return
		case cmd := <-wm.inbox:
			wm.execute(cmd)
		case <-ticker.C:
			wm.Tick()
		case <-autosave.C:
			if err := wm.SaveWorld(false); err != nil {
				wm.log.Error("Автосохранение завершилось с ошибками: %v", err)
			}
		}
	}
}

func (wm *WorldManager) execute(cmd command) {
	defer close(cmd.done)
	defer func() {
		if r := recover(); r != nil {
			wm.log.Error("Паника в команде мира: %v", r)
		}
	}()
	cmd.fn(wm)
}

func (wm *WorldManager) shutdown() {
	// дорабатываем команды, уже стоящие в очереди
	for {
		select {
		case cmd := <-wm.inbox:
			wm.execute(cmd)
			continue
		default:
		}
		break
	}

	if err := wm.SaveWorld(true); err != nil {
		wm.log.Error("Финальное сохранение завершилось с ошибками: %v", err)
	}
	wm.Mesher.Close()
	close(wm.done)
	wm.log.Info("Мир %q остановлен", wm.opts.WorldName)
}

// Do выполняет fn на горутине тика и ждёт завершения. Это единственный
// способ обратиться к миру из других горутин (HTTP, WebSocket, синхронизация).
func (wm *WorldManager) Do(ctx context.Context, fn func(wm *WorldManager)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case wm.inbox <- cmd:
	case <-wm.done:
		return ErrWorldStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-wm.done:
		// команда могла выполниться в shutdown
		select {
		case <-cmd.done:
			return nil
		default:
			return ErrWorldStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop останавливает цикл и ждёт финального сохранения
func (wm *WorldManager) Stop() {
	wm.stopOnce.Do(func() {
		wm.cancelFunc()
		if wm.running.CompareAndSwap(false, true) {
			// Run не запускался: сохраняем синхронно
			wm.shutdown()
			return
		}
		<-wm.done
	})
}

// SaveWorld сохраняет все изменённые чанки. Без force пропускает сохранение,
// если предыдущее было меньше минуты назад.
func (wm *WorldManager) SaveWorld(force bool) error {
	if !force && time.Since(wm.lastSaveTime) < time.Minute {
		return nil
	}

	wm.log.Info("Начато сохранение мира...")
	saved, err := wm.Store.SaveAllModified()
	wm.lastSaveTime = time.Now()
	if err != nil {
		return fmt.Errorf("сохранение мира %q: %w", wm.opts.WorldName, err)
	}
	wm.log.Info("Сохранение мира завершено: %d чанков", saved)
	return nil
}
