package world

import (
	"math"
	"sort"
	"strconv"

	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// Имена сетевых операций правки
const (
	OpDig     = "dig_square"
	OpPlace   = "place_square"
	OpFlatten = "flatten_square"
)

// Параметры правок
const (
	// placeCoreRadius ячейки ближе к центру блока получают полную плотность
	placeCoreRadius = 1.5
	placeCoreDensity float32 = 1.0
	placeEdgeDensity float32 = 0.7

	// flattenClearAbove высота очищаемого столба над целевой высотой
	flattenClearAbove = 32
	// flattenFillBelow глубина заполняемого столба под целевой высотой
	flattenFillBelow = 8
)

// EditResult итог правки для сетевого ответа
type EditResult struct {
	Operation string   `json:"operation"`
	Cost      int      `json:"cost"`
	Applied   bool     `json:"applied"`
	Chunks    []string `json:"chunks,omitempty"`
}

// Editor применяет правки вокселей и сообщает их игровую стоимость.
// Состояния между вызовами не хранит.
type Editor struct {
	wm  *WorldManager
	log *logging.Logger
}

func newEditor(wm *WorldManager) *Editor {
	return &Editor{wm: wm, log: logging.GetWorldLogger()}
}

// edit собирает изменения одной правки
type edit struct {
	wm      *WorldManager
	changed map[string]*Chunk
}

func (e *Editor) begin() *edit {
	return &edit{wm: e.wm, changed: make(map[string]*Chunk)}
}

// cell возвращает текущую плотность мировой ячейки; ok == false для незагруженного
// чанка или высоты вне мира
func (ed *edit) cell(c vec.Vec3) (float32, bool) {
	chunk, local, ok := ed.wm.chunkAtCell(c)
	if !ok || !chunk.InBounds(local.X, local.Y, local.Z) {
		return 0, false
	}
	return chunk.Density(local.X, local.Y, local.Z), true
}

func (ed *edit) set(c vec.Vec3, d float32) bool {
	chunk, local, ok := ed.wm.chunkAtCell(c)
	if !ok {
		return false
	}
	if chunk.SetDensity(local.X, local.Y, local.Z, d) {
		ed.changed[chunk.Key()] = chunk
		return true
	}
	return false
}

// containingLoaded проверяет, что чанк позиции загружен
func (e *Editor) containingLoaded(op string, pos vec.Vec3Float) bool {
	key := e.wm.ChunkCoordsAt(pos).Key()
	if e.wm.IsLoaded(key) {
		return true
	}
	e.log.Warn("%s в (%.2f, %.2f, %.2f): чанк %s не загружен", op, pos.X, pos.Y, pos.Z, key)
	return false
}

// block3 перебирает блок 3x3x3 с минимальным углом floor(pos) - 1
func block3(pos vec.Vec3Float, fn func(cell vec.Vec3, center vec.Vec3)) {
	center := pos.Floor()
	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				fn(center.Add(vec.Vec3{X: dx, Y: dy, Z: dz}), center)
			}
		}
	}
}

// Dig обнуляет блок 3x3x3 вокруг позиции. Стоит 1, если хотя бы одна ячейка
// содержала материал. Инструмент пока не влияет на область и стоимость.
func (e *Editor) Dig(pos vec.Vec3Float, tool string) int {
	cost, _ := e.dig(pos, tool)
	return cost
}

func (e *Editor) dig(pos vec.Vec3Float, _ string) (int, []string) {
	if !e.containingLoaded(OpDig, pos) {
		return 0, nil
	}

	threshold := e.wm.opts.MaterialThreshold
	ed := e.begin()
	hadMaterial := false
	block3(pos, func(cell, _ vec.Vec3) {
		before, ok := ed.cell(cell)
		if !ok {
			return
		}
		if before > threshold {
			hadMaterial = true
		}
		ed.set(cell, 0)
	})

	cost := 0
	if hadMaterial {
		cost = 1
	}
	return cost, e.commit(OpDig, ed, cost)
}

// Place наращивает материал в блоке 3x3x3: ячейки ближе 1.5 к центру получают 1.0,
// остальные 0.7, но только если это больше текущей плотности.
// Стоит 1, если плотность хотя бы одной ячейки выросла.
func (e *Editor) Place(pos vec.Vec3Float, earthAmount int) int {
	cost, _ := e.place(pos, earthAmount)
	return cost
}

func (e *Editor) place(pos vec.Vec3Float, earthAmount int) (int, []string) {
	if earthAmount <= 0 {
		e.log.Warn("%s: нет земли для размещения (earth_amount=%d)", OpPlace, earthAmount)
		return 0, nil
	}
	if !e.containingLoaded(OpPlace, pos) {
		return 0, nil
	}

	ed := e.begin()
	increased := false
	block3(pos, func(cell, center vec.Vec3) {
		before, ok := ed.cell(cell)
		if !ok {
			return
		}
		target := placeEdgeDensity
		if cellDistance(cell, center) <= placeCoreRadius {
			target = placeCoreDensity
		}
		if target > before && ed.set(cell, target) {
			increased = true
		}
	})

	cost := 0
	if increased {
		cost = 1
	}
	return cost, e.commit(OpPlace, ed, cost)
}

func cellDistance(a, b vec.Vec3) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Flatten выравнивает участок 4x4 вокруг позиции: очищает столб над целевой высотой
// и заполняет столб на ней и ниже. Всегда бесплатна.
func (e *Editor) Flatten(pos vec.Vec3Float, targetHeight float64) int {
	e.flatten(pos, targetHeight)
	return 0
}

func (e *Editor) flatten(pos vec.Vec3Float, targetHeight float64) []string {
	if !e.containingLoaded(OpFlatten, pos) {
		return nil
	}

	origin := pos.Floor()
	target := int(math.Floor(targetHeight))
	ed := e.begin()

	for dz := -2; dz <= 1; dz++ {
		for dx := -2; dx <= 1; dx++ {
			x, z := origin.X+dx, origin.Z+dz
			for y := target + 1; y <= target+flattenClearAbove; y++ {
				ed.set(vec.Vec3{X: x, Y: y, Z: z}, 0)
			}
			for y := target - flattenFillBelow; y <= target; y++ {
				ed.set(vec.Vec3{X: x, Y: y, Z: z}, 1)
			}
		}
	}

	return e.commit(OpFlatten, ed, 0)
}

// commit помечает изменённые чанки, их соседей и уведомляет слушателей
func (e *Editor) commit(op string, ed *edit, cost int) []string {
	e.wm.metrics.Edits.WithLabelValues(op, strconv.FormatBool(cost > 0)).Inc()
	if len(ed.changed) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ed.changed))
	for key := range ed.changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		c := ed.changed[key]
		c.MarkModified()
		e.wm.markDirtyWithNeighbors(c.Coords, true)
	}

	for _, key := range keys {
		c := ed.changed[key]
		data, err := e.wm.SerializeChunk(c)
		if err != nil {
			e.log.Error("Не удалось сериализовать чанк %s после %s: %v", key, op, err)
			continue
		}
		e.wm.notifyEdit(EditEvent{
			Operation: op,
			Key:       key,
			ChunkX:    c.Coords.X,
			ChunkZ:    c.Coords.Z,
			Data:      data,
		})
	}
	return keys
}

// Apply сетевой диспетчер: отображает имя операции, позицию и параметры на правку.
// Неизвестные операции (в том числе устаревшие) подтверждаются без изменения террейна.
func (e *Editor) Apply(op string, pos vec.Vec3Float, data map[string]any) EditResult {
	res := EditResult{Operation: op}
	key := e.wm.ChunkCoordsAt(pos).Key()

	switch op {
	case OpDig:
		res.Applied = e.wm.IsLoaded(key)
		res.Cost, res.Chunks = e.dig(pos, stringParam(data, "tool", ""))
	case OpPlace:
		amount := intParam(data, "earth_amount", 1)
		res.Applied = amount > 0 && e.wm.IsLoaded(key)
		res.Cost, res.Chunks = e.place(pos, amount)
	case OpFlatten:
		res.Applied = e.wm.IsLoaded(key)
		res.Chunks = e.flatten(pos, floatParam(data, "target_height", pos.Y))
	default:
		e.log.Info("Неизвестная или устаревшая операция %q проигнорирована", op)
	}
	return res
}

func stringParam(data map[string]any, name, def string) string {
	if v, ok := data[name].(string); ok {
		return v
	}
	return def
}

func floatParam(data map[string]any, name string, def float64) float64 {
	switch v := data[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func intParam(data map[string]any, name string, def int) int {
	if _, ok := data[name]; !ok {
		return def
	}
	return int(math.Floor(floatParam(data, name, float64(def))))
}
