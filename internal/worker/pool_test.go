package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(1, 4, time.Second)
	defer p.Shutdown()

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt64(&done, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&done); got != 20 {
		t.Fatalf("expected 20 completed tasks, got %d", got)
	}
	if running := p.Running(); running > 4 {
		t.Fatalf("pool grew past max: %d workers", running)
	}
}

func TestPoolBlocksAtMaxWorkers(t *testing.T) {
	p := NewPool(0, 2, time.Second)
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		p.Submit(func() {
			started <- struct{}{}
			<-release
		})
	}
	<-started
	<-started
	if running := p.Running(); running != 2 {
		t.Fatalf("expected 2 busy workers, got %d", running)
	}

	third := make(chan struct{})
	go func() {
		p.Submit(func() { close(third) })
	}()

	select {
	case <-third:
		t.Fatal("third task ran while all workers were busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatal("third task never ran after a worker freed up")
	}
}

func TestPoolReapsIdleWorkersDownToMin(t *testing.T) {
	p := NewPool(1, 4, 20*time.Millisecond)
	defer p.Shutdown()

	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		p.Submit(func() {
			<-block
			wg.Done()
		})
	}
	close(block)
	wg.Wait()
	if running := p.Running(); running != 4 {
		t.Fatalf("expected 4 workers after burst, got %d", running)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Running() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never shrank to min, still %d workers", p.Running())
}

func TestPoolShutdownRefusesNewTasks(t *testing.T) {
	p := NewPool(1, 2, time.Second)
	if !p.Submit(func() {}) {
		t.Fatal("submission refused while pool is open")
	}
	p.Shutdown()

	var ran int64
	if p.Submit(func() { atomic.AddInt64(&ran, 1) }) {
		t.Fatal("submission accepted after shutdown")
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&ran) != 0 {
		t.Fatal("task ran after shutdown")
	}
}

func TestReapSkipsWorkersAlreadyGone(t *testing.T) {
	p := NewPool(0, 4, time.Hour)
	defer p.Shutdown()

	// Stage the Shutdown-vs-reap race: an idle worker whose goroutine already
	// left via its quit channel, so nothing will ever receive on ch.
	meta := &workerMeta{
		ch:       make(chan job),
		quit:     make(chan struct{}),
		lastUsed: time.Now().Add(-2 * time.Hour),
		enqueued: true,
	}
	close(meta.quit)
	p.mu.Lock()
	p.metadata[meta.ch] = meta
	p.idle = append(p.idle, meta)
	p.running++
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.shutdownExpired()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper blocked sending stop to a departed worker")
	}

	p.mu.Lock()
	delete(p.metadata, meta.ch)
	p.running--
	p.mu.Unlock()
}
