package world

import (
	"sync"

	"github.com/annel0/voxel-terrain/internal/meshing"
)

// RenderHost принимает визуальные ресурсы и тела коллизий по ключу чанка.
// Все операции идемпотентны и могут вызываться повторно для одного ключа.
type RenderHost interface {
	UpsertVisual(key string, mesh *meshing.Mesh, lod int)
	RemoveVisual(key string)
	UpsertCollision(key string, shape *meshing.CollisionShape)
	RemoveCollision(key string)
}

// VisualResource то, что хост хранит для визуала чанка
type VisualResource struct {
	Triangles int
	LOD       int
}

// MemoryHost хранит ресурсы в памяти. Используется headless сервером и тестами.
type MemoryHost struct {
	mu         sync.RWMutex
	visuals    map[string]VisualResource
	collisions map[string]int
	upserts    int
	removals   int
}

// NewMemoryHost создаёт пустой хост
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		visuals:    make(map[string]VisualResource),
		collisions: make(map[string]int),
	}
}

func (h *MemoryHost) UpsertVisual(key string, mesh *meshing.Mesh, lod int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visuals[key] = VisualResource{Triangles: mesh.TriangleCount(), LOD: lod}
	h.upserts++
}

func (h *MemoryHost) RemoveVisual(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.visuals[key]; ok {
		delete(h.visuals, key)
		h.removals++
	}
}

func (h *MemoryHost) UpsertCollision(key string, shape *meshing.CollisionShape) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collisions[key] = len(shape.Faces) / 9
	h.upserts++
}

func (h *MemoryHost) RemoveCollision(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.collisions[key]; ok {
		delete(h.collisions, key)
		h.removals++
	}
}

// Visual возвращает визуальный ресурс чанка
func (h *MemoryHost) Visual(key string) (VisualResource, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.visuals[key]
	return v, ok
}

// HasCollision сообщает, есть ли у чанка тело коллизии
func (h *MemoryHost) HasCollision(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.collisions[key]
	return ok
}

// Counts возвращает количество визуалов и тел коллизий
func (h *MemoryHost) Counts() (visuals, collisions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.visuals), len(h.collisions)
}
