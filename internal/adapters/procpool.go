package adapters

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Worker is one persistent backend process with its session.
type Worker struct {
	Session *Session
	created time.Time
	stop    func() error
	alive   func() bool
}

// NewWorker wraps a session. stop terminates the process; alive reports
// whether it is still running. Either may be nil.
func NewWorker(session *Session, stop func() error, alive func() bool) *Worker {
	return &Worker{Session: session, created: time.Now(), stop: stop, alive: alive}
}

func (w *Worker) usable(now time.Time, lifetime time.Duration) bool {
	if w.Session.Broken() {
		return false
	}
	if w.alive != nil && !w.alive() {
		return false
	}
	return lifetime <= 0 || now.Sub(w.created) < lifetime
}

func (w *Worker) close() {
	if w.stop != nil {
		_ = w.stop()
	}
}

// SpawnFunc starts a new worker.
type SpawnFunc func(ctx context.Context) (*Worker, error)

// Pool bounds the number of live workers and recycles idle ones until their
// lifetime runs out.
type Pool struct {
	spawn    SpawnFunc
	lifetime time.Duration
	slots    chan struct{}

	mu     sync.Mutex
	idle   []*Worker
	closed bool
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
	Size  int `json:"size"`
}

// NewPool creates a pool of at most size workers.
func NewPool(spawn SpawnFunc, size int, lifetime time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		spawn:    spawn,
		lifetime: lifetime,
		slots:    make(chan struct{}, size),
	}
}

// Acquire returns an idle worker or spawns one, blocking while the pool is full.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	now := time.Now()
	var stale []*Worker
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var found *Worker
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w.usable(now, p.lifetime) {
			found = w
			break
		}
		stale = append(stale, w)
	}
	p.mu.Unlock()
	stopAll(stale)
	if found != nil {
		return found, nil
	}

	w, err := p.spawn(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return w, nil
}

// Release hands a worker back. Unhealthy or expired workers are stopped.
func (p *Pool) Release(w *Worker, healthy bool) {
	defer func() { <-p.slots }()
	p.mu.Lock()
	if p.closed || !healthy || !w.usable(time.Now(), p.lifetime) {
		p.mu.Unlock()
		w.close()
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// Stats reports pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Idle: len(p.idle), InUse: len(p.slots), Size: cap(p.slots)}
}

// Close stops idle workers; in-use workers are stopped on release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	stopAll(idle)
}

// stopAll stops workers; callers must not hold p.mu.
func stopAll(workers []*Worker) {
	for _, w := range workers {
		w.close()
	}
}
