package worker

import (
	"sync"
	"time"
)

// slot is the pool's bookkeeping for one worker goroutine.
type slot struct {
	id        int
	ch        chan Job
	idleSince time.Time
	queued    bool // waiting in the idle list
	retired   bool // stop requested or already stopped
}

// jobChannelPool hands out worker channels, growing up to maxSize on demand
// and shrinking back to minSize once workers stay idle for idleTTL.
type jobChannelPool struct {
	mu      sync.Mutex
	freed   *sync.Cond
	idle    []*slot
	slots   map[chan Job]*slot
	minSize int
	maxSize int
	live    int
	lastID  int
	idleTTL time.Duration
	manager *Manager
	done    chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, manager *Manager) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		slots:   make(map[chan Job]*slot),
		minSize: minWorkers,
		maxSize: maxWorkers,
		idleTTL: idle,
		manager: manager,
		done:    make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// addWorkerLocked registers a worker; start it once p.mu is released.
func (p *jobChannelPool) addWorkerLocked() *Worker {
	p.lastID++
	w := NewWorker(p.lastID, p, p.manager)
	p.slots[w.jobChannel] = &slot{id: w.id, ch: w.jobChannel}
	p.live++
	return w
}

// spawnWorker starts one more worker unless the pool is full.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.live >= p.maxSize {
		p.mu.Unlock()
		return
	}
	w := p.addWorkerLocked()
	p.mu.Unlock()
	w.Start()
}

// acquire blocks until a worker is free and returns its channel.
func (p *jobChannelPool) acquire() chan Job {
	for {
		p.mu.Lock()
		if s := p.takeIdleLocked(); s != nil {
			p.mu.Unlock()
			return s.ch
		}
		if p.live < p.maxSize {
			w := p.addWorkerLocked()
			p.mu.Unlock()
			w.Start()
			continue
		}
		p.freed.Wait()
		p.mu.Unlock()
	}
}

func (p *jobChannelPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[ch]; ok {
		return s.id
	}
	return 0
}

// release marks the worker behind ch as ready for the next job.
func (p *jobChannelPool) release(ch chan Job) {
	p.mu.Lock()
	s, ok := p.slots[ch]
	if !ok || s.retired || s.queued {
		p.mu.Unlock()
		return
	}
	s.queued = true
	s.idleSince = time.Now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.freed.Signal()
}

// retire forgets a stopped worker.
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		s.retired = true
		if p.live > 0 {
			p.live--
		}
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *jobChannelPool) takeIdleLocked() *slot {
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		if s.retired {
			continue
		}
		s.queued = false
		return s
	}
	return nil
}

func (p *jobChannelPool) stats() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}

func (p *jobChannelPool) reapLoop() {
	ticker := time.NewTicker(p.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.done:
			return
		}
	}
}

// reapIdle stops workers idle for longer than idleTTL while keeping at
// least minSize alive.
func (p *jobChannelPool) reapIdle() {
	now := time.Now()
	var stop []*slot

	p.mu.Lock()
	if p.live <= p.minSize {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, s := range p.idle {
		if s.retired {
			continue
		}
		if now.Sub(s.idleSince) >= p.idleTTL && p.live-len(stop) > p.minSize {
			s.retired = true
			s.queued = false
			stop = append(stop, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range stop {
		s.ch <- Job{Type: Stop}
	}
}
