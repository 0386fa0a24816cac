// Package worker provides an elastic goroutine pool for background work such
// as document chunk writes. The pool grows on demand up to max, keeps min
// workers alive and reaps workers idle past the expiry window.
package worker

import (
	"sync"
	"time"
)

type jobKind int

const (
	runTask jobKind = iota
	stopWorker
)

type job struct {
	kind jobKind
	task func()
}

type workerMeta struct {
	ch        chan job
	quit      chan struct{}
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

// Pool is an elastic worker pool. Submit blocks until a worker is free.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan job]*workerMeta
	min      int
	max      int
	running  int
	expiry   time.Duration
	closed   bool
	purge    chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

// NewPool builds a pool with the given bounds. idle <= 0 falls back to the
// default expiry; max below min is raised to min.
func NewPool(minWorkers, maxWorkers int, idle time.Duration) *Pool {
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	p := &Pool{
		metadata: make(map[chan job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		purge:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// Submit hands task to an idle worker, spawning one when the pool is below
// max. It blocks while all max workers are busy and reports whether the task
// was accepted; after Shutdown every submission is refused.
func (p *Pool) Submit(task func()) bool {
	meta := p.acquire()
	if meta == nil {
		return false
	}
	select {
	case meta.ch <- job{kind: runTask, task: task}:
		return true
	case <-meta.quit:
		// Shutdown raced in after acquire; the worker is gone.
		return false
	}
}

// Running reports the current worker count.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Shutdown stops the reaper and retires every worker. Tasks already handed to
// a worker still run to completion.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.purge)
	var quits []chan struct{}
	for ch, meta := range p.metadata {
		meta.discarded = true
		quits = append(quits, meta.quit)
		delete(p.metadata, ch)
	}
	p.idle = nil
	p.running = 0
	p.mu.Unlock()
	p.cond.Broadcast()
	for _, q := range quits {
		close(q)
	}
}

// acquire gets an idle worker, or spawns a new one
func (p *Pool) acquire() *workerMeta {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		// get an idle worker
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta
		}
		// below max, spawn one
		if p.running < p.max {
			meta := &workerMeta{
				ch:   make(chan job),
				quit: make(chan struct{}),
			}
			p.metadata[meta.ch] = meta
			p.running++
			p.mu.Unlock()
			go p.run(meta)
			return meta
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// release returns a worker to the idle queue
func (p *Pool) release(ch chan job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire deletes a worker
func (p *Pool) retire(ch chan job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) run(meta *workerMeta) {
	for {
		select {
		case j := <-meta.ch:
			if j.kind == stopWorker {
				p.retire(meta.ch)
				return
			}
			j.task()
			p.release(meta.ch)
		case <-meta.quit:
			return
		}
	}
}

// popIdleLocked pops the first live idle worker, skipping discarded ones
func (p *Pool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *Pool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.purge:
			return
		}
	}
}

// shutdownExpired retires every worker idle past the expiry window while
// keeping at least min running
func (p *Pool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		// a worker already gone through Shutdown has no receiver left on ch
		select {
		case meta.ch <- job{kind: stopWorker}:
		case <-meta.quit:
		}
	}
}
