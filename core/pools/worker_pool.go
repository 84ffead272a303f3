package pools

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task represents a unit of work
type Task func()

// WorkerPool runs blocking handlers off the event loop. Each worker owns a
// bounded queue and steals from its siblings when idle.
type WorkerPool struct {
	numWorkers int
	queues     []chan Task
	log        *zap.Logger
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	next       atomic.Uint64

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		tasksPanicked  atomic.Uint64
		stealsSuccess  atomic.Uint64
	}
}

// NewWorkerPool creates a pool of numWorkers goroutines, each with a queue
// of queueSize tasks. Zero values select NumCPU workers and 256 slots.
func NewWorkerPool(numWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]chan Task, numWorkers),
		log:        log,
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan Task, queueSize)
	}
	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.run(i)
	}
	return pool
}

// Submit queues task round-robin. It returns false if the pool is closed
// or every queue is full, in which case the caller keeps the work.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.stats.tasksRejected.Add(1)
		return false
	}

	start := int(p.next.Add(1) % uint64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		select {
		case p.queues[(start+i)%p.numWorkers] <- task:
			p.stats.tasksSubmitted.Add(1)
			return true
		default:
		}
	}
	p.stats.tasksRejected.Add(1)
	return false
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		// Own queue first
		select {
		case task, ok := <-own:
			if !ok {
				return
			}
			p.execute(task)
			continue
		default:
		}

		if p.trySteal(id) {
			continue
		}

		task, ok := <-own
		if !ok {
			return
		}
		p.execute(task)
	}
}

// trySteal runs one task taken from another worker's queue
func (p *WorkerPool) trySteal(id int) bool {
	for i := 1; i < p.numWorkers; i++ {
		select {
		case task, ok := <-p.queues[(id+i)%p.numWorkers]:
			if ok {
				p.stats.stealsSuccess.Add(1)
				p.execute(task)
				return true
			}
		default:
		}
	}
	return false
}

func (p *WorkerPool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
			p.log.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		p.stats.tasksCompleted.Add(1)
	}()
	task()
}

// Close stops accepting tasks, drains the queues and waits for the workers
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - min(submitted, completed),
		TasksRejected:  p.stats.tasksRejected.Load(),
		TasksPanicked:  p.stats.tasksPanicked.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksRejected  uint64
	TasksPanicked  uint64
	StealsSuccess  uint64
}
