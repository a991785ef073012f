package world

import (
	"errors"
	"fmt"
	"sort"

	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// ModifiedChunk запись для полной ресинхронизации нового пира
type ModifiedChunk struct {
	ChunkX int    `json:"chunk_x"`
	ChunkZ int    `json:"chunk_z"`
	Data   []byte `json:"data"`
}

// ChunkStore отвечает за жизненный цикл чанков: очередь загрузки,
// генерацию, сохранение и выгрузку.
type ChunkStore struct {
	wm      *WorldManager
	pending *keyQueue
	log     *logging.Logger
}

func newChunkStore(wm *WorldManager) *ChunkStore {
	return &ChunkStore{
		wm:      wm,
		pending: newKeyQueue(),
		log:     logging.GetStorageLogger(),
	}
}

// QueueLoad ставит чанк в очередь загрузки. Ничего не делает, если чанк уже
// загружен или уже в очереди. Никогда не блокирует.
func (s *ChunkStore) QueueLoad(cx, cz int) bool {
	key := ChunkKey(cx, cz)
	if s.wm.IsLoaded(key) {
		return false
	}
	return s.pending.Push(key)
}

// IsQueued сообщает, ждёт ли чанк загрузки
func (s *ChunkStore) IsQueued(key string) bool {
	return s.pending.Contains(key)
}

// PendingCount длина очереди загрузки
func (s *ChunkStore) PendingCount() int {
	return s.pending.Len()
}

// DrainLoads загружает не более LoadBatch чанков из очереди
func (s *ChunkStore) DrainLoads() int {
	batch := s.wm.opts.LoadBatch
	if batch <= 0 {
		batch = 8
	}

	loaded := 0
	for loaded < batch {
		key, ok := s.pending.Pop()
		if !ok {
			break
		}
		if s.wm.IsLoaded(key) {
			continue
		}
		coords, err := ParseChunkKey(key)
		if err != nil {
			s.log.Warn("Пропуск ключа в очереди загрузки: %v", err)
			continue
		}
		s.load(coords)
		loaded++
	}
	return loaded
}

// LoadImmediate загружает чанк прямо сейчас. Если syncMesh == true и чанк грязный
// (в том числе только что загруженный), геометрия перестраивается блокирующе.
func (s *ChunkStore) LoadImmediate(cx, cz int, syncMesh bool) error {
	key := ChunkKey(cx, cz)

	if c, ok := s.wm.Chunk(key); ok {
		if syncMesh && c.IsDirty() {
			return s.wm.Mesher.RebuildNow(key)
		}
		return nil
	}

	s.pending.Remove(key)
	s.load(vec.Vec2{X: cx, Z: cz})

	if syncMesh {
		return s.wm.Mesher.RebuildNow(key)
	}
	return nil
}

// load: запись на диске, иначе процедурная генерация
func (s *ChunkStore) load(coords vec.Vec2) {
	key := coords.Key()
	chunk, source := s.restore(key)
	if chunk == nil {
		chunk = s.generate(coords)
		source = "generated"
	}

	s.wm.insertChunk(chunk)
	s.wm.metrics.ChunkLoads.WithLabelValues(source).Inc()
	s.log.Debug("Чанк %s загружен (%s)", key, source)

	// соседям нужны наши данные для бесшовной геометрии
	s.wm.markDirtyWithNeighbors(coords, true)
}

func (s *ChunkStore) generate(coords vec.Vec2) *Chunk {
	opts := s.wm.opts
	if s.wm.sampler == nil {
		return NewChunk(coords, opts.ChunkSize, opts.ChunkHeight)
	}
	return GenerateChunk(s.wm.sampler, coords, opts.ChunkSize, opts.ChunkHeight)
}

// restore читает запись из хранилища. Повреждённая запись логируется и
// трактуется как отсутствующая.
func (s *ChunkStore) restore(key string) (*Chunk, string) {
	if s.wm.records == nil {
		return nil, ""
	}

	data, err := s.wm.records.Load(key)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			s.log.Warn("Ошибка чтения записи чанка %s: %v, генерируем заново", key, err)
			s.wm.metrics.RecordErrors.WithLabelValues("read").Inc()
		}
		return nil, ""
	}

	chunk, err := Deserialize(data)
	if err != nil {
		s.log.Warn("Повреждённая запись чанка %s: %v, генерируем заново", key, err)
		s.wm.metrics.RecordErrors.WithLabelValues("corrupt").Inc()
		return nil, ""
	}
	if chunk.Key() != key || chunk.Size != s.wm.opts.ChunkSize || chunk.Height != s.wm.opts.ChunkHeight {
		s.log.Warn("Запись %s не соответствует миру (ключ %s, %dx%d), генерируем заново",
			key, chunk.Key(), chunk.Size, chunk.Height)
		s.wm.metrics.RecordErrors.WithLabelValues("corrupt").Inc()
		return nil, ""
	}
	return chunk, "disk"
}

// save сериализует и записывает чанк
func (s *ChunkStore) save(c *Chunk) error {
	if s.wm.records == nil {
		return nil
	}
	data, err := s.wm.SerializeChunk(c)
	if err != nil {
		return err
	}
	if err := s.wm.records.Save(c.Key(), data); err != nil {
		s.wm.metrics.RecordErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("запись чанка %s: %w", c.Key(), err)
	}
	s.wm.metrics.RecordsSaved.Inc()
	return nil
}

// Unload выгружает чанк. Изменённый чанк сначала синхронно сохраняется;
// при ошибке сохранения чанк остаётся в таблице.
func (s *ChunkStore) Unload(key string) error {
	s.pending.Remove(key)

	c, ok := s.wm.Chunk(key)
	if !ok {
		return nil
	}

	if c.IsModified() {
		if err := s.save(c); err != nil {
			s.log.Error("Чанк %s не выгружен: %v", key, err)
			return err
		}
	}

	s.wm.removeChunk(key)
	s.wm.Mesher.forget(key)
	s.wm.metrics.ChunkUnloads.Inc()
	s.log.Debug("Чанк %s выгружен", key)
	return nil
}

// SaveAllModified сохраняет все загруженные изменённые чанки.
// Ошибки отдельных чанков не прерывают сохранение остальных.
func (s *ChunkStore) SaveAllModified() (int, error) {
	var errs []error
	saved := 0
	for _, key := range s.wm.LoadedKeys() {
		c := s.wm.chunks[key]
		if !c.IsModified() {
			continue
		}
		if err := s.save(c); err != nil {
			s.log.Error("Ошибка сохранения чанка %s: %v", key, err)
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// CollectAllModified возвращает объединение изменённых загруженных чанков и
// записей на диске, не покрытых таблицей. Нечитаемые записи пропускаются.
func (s *ChunkStore) CollectAllModified() []ModifiedChunk {
	var out []ModifiedChunk
	covered := make(map[string]struct{})

	for _, key := range s.wm.LoadedKeys() {
		c := s.wm.chunks[key]
		if !c.IsModified() {
			continue
		}
		data, err := s.wm.SerializeChunk(c)
		if err != nil {
			s.log.Warn("Пропуск чанка %s при сборе изменений: %v", key, err)
			continue
		}
		covered[key] = struct{}{}
		out = append(out, ModifiedChunk{ChunkX: c.Coords.X, ChunkZ: c.Coords.Z, Data: data})
	}

	if s.wm.records == nil {
		return out
	}

	keys, err := s.wm.records.Keys()
	if err != nil {
		s.log.Error("Не удалось перечислить записи чанков: %v", err)
		return out
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := covered[key]; ok {
			continue
		}
		coords, err := ParseChunkKey(key)
		if err != nil {
			s.log.Warn("Пропуск записи с некорректным ключом %q: %v", key, err)
			continue
		}
		data, err := s.wm.records.Load(key)
		if err != nil {
			s.log.Warn("Пропуск записи %s: %v", key, err)
			s.wm.metrics.RecordErrors.WithLabelValues("read").Inc()
			continue
		}
		// пир получит запись как есть, поэтому проверяем её целиком вместе с плотностью
		restored, err := Deserialize(data)
		if err == nil && restored.Coords != coords {
			err = fmt.Errorf("%w: ключ %s, координаты %s", ErrCorruptRecord, key, restored.Key())
		}
		if err != nil {
			s.log.Warn("Пропуск повреждённой записи %s: %v", key, err)
			s.wm.metrics.RecordErrors.WithLabelValues("corrupt").Inc()
			continue
		}
		covered[key] = struct{}{}
		out = append(out, ModifiedChunk{ChunkX: coords.X, ChunkZ: coords.Z, Data: data})
	}
	return out
}

// UpdateStreaming ставит в очередь чанки в радиусе видимости игроков (ближние первыми)
// и выгружает чанки дальше радиуса выгрузки. Без игроков ничего не делает.
func (s *ChunkStore) UpdateStreaming() {
	centers := s.wm.playerChunks()
	if len(centers) == 0 {
		return
	}

	type candidate struct {
		coords vec.Vec2
		dist   float64
	}
	var wanted []candidate
	seen := make(map[vec.Vec2]struct{})
	r := s.wm.opts.ViewRadius

	for _, center := range centers {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				cc := vec.Vec2{X: center.X + dx, Z: center.Z + dz}
				if _, ok := seen[cc]; ok {
					continue
				}
				d := cc.DistanceTo(center)
				if d > float64(r) {
					continue
				}
				seen[cc] = struct{}{}
				wanted = append(wanted, candidate{coords: cc, dist: d})
			}
		}
	}

	sort.SliceStable(wanted, func(i, j int) bool { return wanted[i].dist < wanted[j].dist })
	for _, w := range wanted {
		s.QueueLoad(w.coords.X, w.coords.Z)
	}

	for _, key := range s.wm.LoadedKeys() {
		c := s.wm.chunks[key]
		far := true
		for _, center := range centers {
			if c.Coords.ChebyshevTo(center) <= s.wm.opts.UnloadRadius {
				far = false
				break
			}
		}
		if far {
			if err := s.Unload(key); err != nil {
				// чанк остаётся загруженным, выгрузка повторится на следующем тике
				s.wm.metrics.RecordErrors.WithLabelValues("unload").Inc()
			}
		}
	}

	// очередь загрузки не должна держать чанки, ставшие дальними
	for _, key := range s.pending.Keys() {
		coords, err := ParseChunkKey(key)
		if err != nil {
			continue
		}
		far := true
		for _, center := range centers {
			if coords.ChebyshevTo(center) <= s.wm.opts.UnloadRadius {
				far = false
				break
			}
		}
		if far {
			s.pending.Remove(key)
		}
	}
}

// ApplyRecord устанавливает запись чанка, пришедшую от другого узла.
// Запись сохраняется локально; загруженный чанк получает новое поле плотности.
func (s *ChunkStore) ApplyRecord(data []byte) (string, error) {
	incoming, err := Deserialize(data)
	if err != nil {
		return "", err
	}
	if incoming.Size != s.wm.opts.ChunkSize || incoming.Height != s.wm.opts.ChunkHeight {
		return "", fmt.Errorf("%w: размеры %dx%d не совпадают с миром", ErrCorruptRecord, incoming.Size, incoming.Height)
	}
	key := incoming.Key()

	if s.wm.records != nil {
		if err := s.wm.records.Save(key, data); err != nil {
			s.wm.metrics.RecordErrors.WithLabelValues("write").Inc()
			return key, fmt.Errorf("запись удалённого чанка %s: %w", key, err)
		}
	}

	if c, ok := s.wm.Chunk(key); ok {
		if c.EqualDensity(incoming) {
			return key, nil
		}
		copy(c.density, incoming.density)
		c.MarkModified()
		s.wm.markDirtyWithNeighbors(c.Coords, true)
		return key, nil
	}

	// не загружен: запись на диске подхватится при следующей загрузке
	return key, nil
}
