package world

import (
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/meshing"
	"github.com/annel0/voxel-terrain/internal/vec"
)

type inFlightTask struct {
	task     pond.Task
	epoch    uint64
	revision uint64
}

// MeshPipeline поддерживает геометрию загруженных чанков в соответствии с
// вокселями: выбирает LOD, отправляет задачи в ограниченный пул и применяет
// результаты на горутине тика.
type MeshPipeline struct {
	wm      *WorldManager
	builder meshing.Builder
	pool    *meshing.Pool

	pending  *keyQueue
	headless *keyQueue
	inFlight map[string]inFlightTask
	results  resultQueue

	// lods применённый уровень детализации по ключу
	lods       map[string]int
	visuals    map[string]struct{}
	collisions map[string]struct{}

	log *logging.Logger
}

func newMeshPipeline(wm *WorldManager, builder meshing.Builder) *MeshPipeline {
	workers := wm.opts.Workers
	if workers <= 0 {
		workers = wm.opts.MaxInFlight
	}
	return &MeshPipeline{
		wm:         wm,
		builder:    builder,
		pool:       meshing.NewPool(workers),
		pending:    newKeyQueue(),
		headless:   newKeyQueue(),
		inFlight:   make(map[string]inFlightTask),
		lods:       make(map[string]int),
		visuals:    make(map[string]struct{}),
		collisions: make(map[string]struct{}),
		log:        logging.GetWorldLogger(),
	}
}

// Enqueue ставит чанк в очередь перестройки (без повторов)
func (p *MeshPipeline) Enqueue(key string) bool {
	if p.wm.opts.Headless {
		return p.headless.Push(key)
	}
	return p.pending.Push(key)
}

// IsPending сообщает, ждёт ли чанк перестройки
func (p *MeshPipeline) IsPending(key string) bool {
	return p.pending.Contains(key) || p.headless.Contains(key)
}

// PendingKeys ключи в очереди в порядке обработки
func (p *MeshPipeline) PendingKeys() []string {
	if p.wm.opts.Headless {
		return p.headless.Keys()
	}
	return p.pending.Keys()
}

// PendingCount длина очереди перестройки
func (p *MeshPipeline) PendingCount() int {
	return p.pending.Len() + p.headless.Len()
}

// InFlightCount количество выполняющихся задач
func (p *MeshPipeline) InFlightCount() int {
	return len(p.inFlight)
}

// IsInFlight сообщает, строится ли сейчас геометрия чанка
func (p *MeshPipeline) IsInFlight(key string) bool {
	_, ok := p.inFlight[key]
	return ok
}

// AppliedLOD возвращает применённый уровень детализации
func (p *MeshPipeline) AppliedLOD(key string) (int, bool) {
	lod, ok := p.lods[key]
	return lod, ok
}

// CoarsestLOD самый грубый уровень
func (p *MeshPipeline) CoarsestLOD() int {
	if len(p.wm.opts.LODBuckets) == 0 {
		return 0
	}
	return len(p.wm.opts.LODBuckets) - 1
}

// DesiredLOD индекс первой границы, не меньшей расстояния (в чанках) до
// ближайшего игрока. Без игроков и за последней границей возвращает самый грубый уровень.
func (p *MeshPipeline) DesiredLOD(cx, cz int) int {
	centers := p.wm.playerChunks()
	if len(centers) == 0 {
		return p.CoarsestLOD()
	}

	coords := vec.Vec2{X: cx, Z: cz}
	best := -1.0
	for _, c := range centers {
		d := coords.DistanceTo(c)
		if best < 0 || d < best {
			best = d
		}
	}

	for i, bound := range p.wm.opts.LODBuckets {
		if bound >= best {
			return i
		}
	}
	return p.CoarsestLOD()
}

// collisionFor строится ли коллизия на этом уровне
func (p *MeshPipeline) collisionFor(lod int) bool {
	return lod < p.wm.opts.CollisionLODs
}

// RecheckLOD помечает грязными чанки, которым нужна более детальная геометрия.
// Огрубление выполняется только при включённом LODDemotion и разнице от двух уровней.
func (p *MeshPipeline) RecheckLOD() {
	if p.wm.opts.Headless {
		return
	}
	for _, key := range p.wm.LoadedKeys() {
		c := p.wm.chunks[key]
		if c.dirty || p.IsInFlight(key) {
			continue
		}
		applied, ok := p.lods[key]
		if !ok {
			continue
		}
		desired := p.DesiredLOD(c.Coords.X, c.Coords.Z)
		refine := applied > desired
		demote := p.wm.opts.LODDemotion && desired-applied >= 2
		if refine || demote {
			c.MarkDirty()
			p.Enqueue(key)
		}
	}
}

// Dispatch отправляет задачи из очереди, пока число выполняющихся меньше лимита.
// В headless режиме дополнительно ограничивает число отправок за тик.
func (p *MeshPipeline) Dispatch() int {
	limit := p.wm.opts.MaxInFlight
	if limit <= 0 {
		limit = 4
	}

	queue := p.pending
	perTick := -1
	if p.wm.opts.Headless {
		queue = p.headless
		perTick = p.wm.opts.HeadlessPerTick
		if perTick <= 0 {
			perTick = 2
		}
	}

	dispatched := 0
	for len(p.inFlight) < limit && queue.Len() > 0 {
		if perTick >= 0 && dispatched >= perTick {
			break
		}
		key, _ := queue.Pop()
		if p.submit(key) {
			dispatched++
		}
	}
	return dispatched
}

// submit запускает задачу для чанка. Отказывает, если чанк выгружен или уже строится;
// выполняющаяся задача сама вернёт чанк в очередь, если его ревизия изменилась.
func (p *MeshPipeline) submit(key string) bool {
	c, ok := p.wm.Chunk(key)
	if !ok {
		return false
	}
	if _, busy := p.inFlight[key]; busy {
		p.wm.metrics.DispatchRefused.Inc()
		p.log.Trace("Чанк %s уже строится, повторная отправка отклонена", key)
		return false
	}

	in, lod := p.input(c)
	res := meshResult{
		key:           key,
		epoch:         c.epoch,
		revision:      c.revision,
		lod:           lod,
		collisionOnly: in.CollisionOnly,
	}

	builder := p.builder
	results := &p.results
	task := p.pool.Submit(func() {
		start := time.Now()
		res.mesh, res.shape = builder.Build(in)
		res.elapsed = time.Since(start)
		results.Push(res)
	})

	p.inFlight[key] = inFlightTask{task: task, epoch: c.epoch, revision: c.revision}
	return true
}

// input снимает копии чанка и его загруженных соседей
func (p *MeshPipeline) input(c *Chunk) (meshing.Input, int) {
	neighbors := make(map[string]*meshing.Grid, 8)
	for _, n := range c.Coords.Neighbors8() {
		if nc, ok := p.wm.chunks[n.Key()]; ok {
			neighbors[n.Key()] = nc.Snapshot()
		}
	}

	in := meshing.Input{
		Center:    c.Snapshot(),
		Neighbors: neighbors,
		Threshold: p.wm.opts.MaterialThreshold,
	}

	if p.wm.opts.Headless {
		in.CollisionOnly = true
		in.WithCollision = true
		return in, 0
	}

	lod := p.DesiredLOD(c.Coords.X, c.Coords.Z)
	in.LOD = lod
	in.WithCollision = p.collisionFor(lod)
	return in, lod
}

// ApplyResults забирает готовые результаты и применяет их к хосту.
// Результаты выгруженных (или перезагруженных) чанков отбрасываются.
func (p *MeshPipeline) ApplyResults() int {
	applied := 0
	for _, r := range p.results.Drain() {
		// на ключ выполняется не больше одной задачи
		delete(p.inFlight, r.key)
		p.wm.metrics.MeshBuild.Observe(r.elapsed.Seconds())

		if p.apply(r) {
			applied++
			continue
		}
		// чанк перезагружен, пока строилась геометрия прежней загрузки:
		// его отправка отклонялась, возвращаем в очередь
		if c, ok := p.wm.Chunk(r.key); ok && c.epoch != r.epoch && c.dirty {
			p.Enqueue(r.key)
		}
	}
	return applied
}

func (p *MeshPipeline) apply(r meshResult) bool {
	c, ok := p.wm.Chunk(r.key)
	if !ok || c.epoch != r.epoch || r.revision < c.meshedRevision {
		p.wm.metrics.MeshResults.WithLabelValues("stale").Inc()
		p.log.Trace("Устаревший результат для %s отброшен", r.key)
		return false
	}

	host := p.wm.host
	switch {
	case r.collisionOnly:
		if r.shape.Empty() {
			p.removeCollision(r.key)
			p.wm.metrics.MeshResults.WithLabelValues("empty").Inc()
		} else {
			host.UpsertCollision(r.key, r.shape)
			p.collisions[r.key] = struct{}{}
			p.wm.metrics.MeshResults.WithLabelValues("applied").Inc()
		}
	case r.mesh.Empty():
		p.removeVisual(r.key)
		p.removeCollision(r.key)
		delete(p.lods, r.key)
		p.wm.metrics.MeshResults.WithLabelValues("empty").Inc()
	default:
		host.UpsertVisual(r.key, r.mesh, r.lod)
		p.visuals[r.key] = struct{}{}
		if !r.shape.Empty() {
			host.UpsertCollision(r.key, r.shape)
			p.collisions[r.key] = struct{}{}
		} else {
			p.removeCollision(r.key)
		}
		p.lods[r.key] = r.lod
		p.wm.metrics.MeshResults.WithLabelValues("applied").Inc()
	}

	c.meshedRevision = r.revision
	if c.revision == r.revision {
		c.dirty = false
	} else {
		// воксели изменились, пока строилась геометрия
		p.Enqueue(r.key)
	}
	return true
}

func (p *MeshPipeline) removeVisual(key string) {
	if _, ok := p.visuals[key]; ok {
		p.wm.host.RemoveVisual(key)
		delete(p.visuals, key)
	}
}

func (p *MeshPipeline) removeCollision(key string) {
	if _, ok := p.collisions[key]; ok {
		p.wm.host.RemoveCollision(key)
		delete(p.collisions, key)
	}
}

// HasCollision есть ли у чанка тело коллизии
func (p *MeshPipeline) HasCollision(key string) bool {
	_, ok := p.collisions[key]
	return ok
}

// RebuildNow блокирующе перестраивает геометрию чанка в текущей горутине,
// минуя пул. Используется для чанков, которые должны быть готовы до продолжения
// (точка появления игрока).
func (p *MeshPipeline) RebuildNow(key string) error {
	c, ok := p.wm.Chunk(key)
	if !ok {
		p.log.Warn("Синхронная перестройка: чанк %s не загружен", key)
		return fmt.Errorf("%w: %s", ErrChunkNotLoaded, key)
	}

	p.pending.Remove(key)
	p.headless.Remove(key)

	in, lod := p.input(c)
	start := time.Now()
	mesh, shape := p.builder.Build(in)
	p.apply(meshResult{
		key:           key,
		epoch:         c.epoch,
		revision:      c.revision,
		lod:           lod,
		collisionOnly: in.CollisionOnly,
		mesh:          mesh,
		shape:         shape,
		elapsed:       time.Since(start),
	})
	return nil
}

// WaitIdle ждёт завершения всех выполняющихся задач и применяет их результаты
func (p *MeshPipeline) WaitIdle() {
	for len(p.inFlight) > 0 {
		for _, entry := range p.inFlight {
			_ = entry.task.Wait()
		}
		p.ApplyResults()
	}
}

// forget удаляет ресурсы и записи очередей выгруженного чанка. Выполняющаяся
// задача не прерывается и остаётся в inFlight до применения: повторная загрузка
// не получит второй задачи, а устаревший результат отбросит проверка эпохи.
func (p *MeshPipeline) forget(key string) {
	p.pending.Remove(key)
	p.headless.Remove(key)
	delete(p.lods, key)
	p.removeVisual(key)
	p.removeCollision(key)
}

// Close дожидается воркеров и останавливает пул
func (p *MeshPipeline) Close() {
	p.pool.StopAndWait()
}
