package scheduler

import (
	"sync"

	"github.com/me/gowq/pkg/model"
)

// Pool bounds the running workers and the wait queue of one work item type.
// Queued workers are released strictly FIFO by Finish.
type Pool struct {
	typ   string
	start func(*Worker)

	mu         sync.Mutex
	maxThreads int
	maxQueue   int
	running    map[string]*Worker
	queue      []*Worker
}

// NewPool creates a pool. start launches a worker and must not block.
// A maxThreads of 0 means 1; a negative value means unbounded.
func NewPool(typ string, maxThreads, maxQueue int, start func(*Worker)) *Pool {
	return &Pool{
		typ:        typ,
		start:      start,
		maxThreads: normalizeThreads(maxThreads),
		maxQueue:   max(maxQueue, 0),
		running:    make(map[string]*Worker),
	}
}

func normalizeThreads(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

func (p *Pool) slotFree() bool {
	return p.maxThreads < 0 || len(p.running) < p.maxThreads
}

// IsReady reports whether a run slot or a queue slot is free.
func (p *Pool) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotFree() || len(p.queue) < p.maxQueue
}

// Add starts w when a run slot is free and queues it otherwise. It
// reports whether w was started.
func (p *Pool) Add(w *Worker) bool {
	w.pool = p
	p.mu.Lock()
	if !p.slotFree() {
		p.queue = append(p.queue, w)
		p.mu.Unlock()
		return false
	}
	p.running[w.itemID] = w
	p.mu.Unlock()

	p.start(w)
	return true
}

// Finish removes w from the running set and promotes the queue head when a
// slot is free.
func (p *Pool) Finish(w *Worker) {
	p.mu.Lock()
	delete(p.running, w.itemID)
	next := p.promote()
	p.mu.Unlock()

	for _, n := range next {
		p.start(n)
	}
}

// promote moves queued workers into free run slots. Callers hold mu.
func (p *Pool) promote() []*Worker {
	var next []*Worker
	for len(p.queue) > 0 && p.slotFree() {
		n := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running[n.itemID] = n
		next = append(next, n)
	}
	return next
}

// Terminate signals every running or queued worker whose item id or job
// id matches. It returns the number of workers signalled.
func (p *Pool) Terminate(itemID, jobID string) int {
	p.mu.Lock()
	var matched []*Worker
	for _, w := range p.running {
		if w.matches(itemID, jobID) {
			matched = append(matched, w)
		}
	}
	for _, w := range p.queue {
		if w.matches(itemID, jobID) {
			matched = append(matched, w)
		}
	}
	p.mu.Unlock()

	for _, w := range matched {
		w.Terminate()
	}
	return len(matched)
}

// Has reports whether the item is running or queued in this pool.
func (p *Pool) Has(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[itemID]; ok {
		return true
	}
	for _, w := range p.queue {
		if w.itemID == itemID {
			return true
		}
	}
	return false
}

// SetLimits changes the pool bounds. Raising maxThreads promotes queued
// workers immediately; lowering it lets running workers finish.
func (p *Pool) SetLimits(maxThreads, maxQueue int) {
	p.mu.Lock()
	p.maxThreads = normalizeThreads(maxThreads)
	p.maxQueue = max(maxQueue, 0)
	next := p.promote()
	p.mu.Unlock()

	for _, n := range next {
		p.start(n)
	}
}

// Running returns the number of running workers.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Drain empties the wait queue and returns the workers that never started.
func (p *Pool) Drain() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := p.queue
	p.queue = nil
	return queued
}

// Status returns a snapshot of the pool occupancy.
func (p *Pool) Status() model.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.PoolStatus{
		Type:       p.typ,
		MaxThreads: p.maxThreads,
		MaxQueue:   p.maxQueue,
		Running:    len(p.running),
		Queued:     len(p.queue),
	}
}
