package world

import (
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/meshing"
)

// keyQueue FIFO очередь ключей без повторов
type keyQueue struct {
	keys []string
	set  map[string]struct{}
}

func newKeyQueue() *keyQueue {
	return &keyQueue{set: make(map[string]struct{})}
}

// Push добавляет ключ, если его ещё нет в очереди
func (q *keyQueue) Push(key string) bool {
	if _, ok := q.set[key]; ok {
		return false
	}
	q.set[key] = struct{}{}
	q.keys = append(q.keys, key)
	return true
}

// Pop извлекает первый ключ
func (q *keyQueue) Pop() (string, bool) {
	if len(q.keys) == 0 {
		return "", false
	}
	key := q.keys[0]
	q.keys[0] = ""
	q.keys = q.keys[1:]
	delete(q.set, key)
	return key, true
}

// Remove удаляет ключ из любой позиции
func (q *keyQueue) Remove(key string) bool {
	if _, ok := q.set[key]; !ok {
		return false
	}
	delete(q.set, key)
	for i, k := range q.keys {
		if k == key {
			q.keys = append(q.keys[:i], q.keys[i+1:]...)
			break
		}
	}
	return true
}

func (q *keyQueue) Contains(key string) bool {
	_, ok := q.set[key]
	return ok
}

func (q *keyQueue) Len() int {
	return len(q.keys)
}

// Keys возвращает копию очереди в порядке обработки
func (q *keyQueue) Keys() []string {
	out := make([]string, len(q.keys))
	copy(out, q.keys)
	return out
}

// meshResult результат задачи построения, возвращаемый воркером
type meshResult struct {
	key           string
	epoch         uint64
	revision      uint64
	lod           int
	collisionOnly bool
	mesh          *meshing.Mesh
	shape         *meshing.CollisionShape
	elapsed       time.Duration
}

// resultQueue единственное разделяемое между воркерами и тиком состояние.
// Воркеры добавляют под блокировкой, тик забирает снимок и обрабатывает его без блокировки.
type resultQueue struct {
	mu    sync.Mutex
	items []meshResult
}

func (q *resultQueue) Push(r meshResult) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

// Drain возвращает все накопленные результаты и очищает очередь
func (q *resultQueue) Drain() []meshResult {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]meshResult, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	q.mu.Unlock()
	return out
}

func (q *resultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
