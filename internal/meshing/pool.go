package meshing

import (
	"github.com/alitto/pond/v2"
)

// Pool ограниченный пул воркеров для построения геометрии
type Pool struct {
	pool    pond.Pool
	workers int
}

// NewPool создаёт пул с заданным числом одновременно работающих воркеров
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		pool:    pond.NewPool(workers),
		workers: workers,
	}
}

// Submit отправляет задачу и возвращает её дескриптор
func (p *Pool) Submit(fn func()) pond.Task {
	return p.pool.Submit(fn)
}

// Workers возвращает размер пула
func (p *Pool) Workers() int {
	return p.workers
}

// Running количество активных воркеров
func (p *Pool) Running() int64 {
	return p.pool.RunningWorkers()
}

// Completed количество завершённых задач
func (p *Pool) Completed() uint64 {
	return p.pool.CompletedTasks()
}

// Stopped сообщает, остановлен ли пул
func (p *Pool) Stopped() bool {
	return p.pool.Stopped()
}

// StopAndWait дожидается завершения поставленных задач и останавливает пул
func (p *Pool) StopAndWait() {
	p.pool.StopAndWait()
}
