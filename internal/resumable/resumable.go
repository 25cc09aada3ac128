// Package resumable records stream output so a disconnected client can
// re-attach to an in-progress generation and replay what it missed.
package resumable

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	ErrStreamExists   = errors.New("resumable: stream already exists")
	ErrStreamNotFound = errors.New("resumable: stream not found")
	ErrStreamDone     = errors.New("resumable: stream already finished")
	ErrProducerClosed = errors.New("resumable: producer closed")
)

type State int

const (
	StateMissing State = iota
	StateActive
	StateDone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	default:
		return "missing"
	}
}

func parseState(v string) State {
	switch v {
	case "active":
		return StateActive
	case "done":
		return StateDone
	default:
		return StateMissing
	}
}

// Notification signals that a stream received chunks or finished.
type Notification interface {
	C() <-chan struct{}
	Close() error
}

// Store persists stream chunks and state.
type Store interface {
	Create(ctx context.Context, id string, ttl time.Duration) error
	Append(ctx context.Context, id string, chunk []byte) error
	Finish(ctx context.Context, id string) error
	// Range returns chunks starting at index from together with the stream state.
	Range(ctx context.Context, id string, from int) ([][]byte, State, error)
	Subscribe(ctx context.Context, id string) (Notification, error)
	Delete(ctx context.Context, id string) error
	// Purge removes streams created before the cutoff and reports how many were dropped.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Context creates producers and readers over a Store.
type Context struct {
	store Store
	ttl   time.Duration
	poll  time.Duration
}

// New builds a stream context. ttl bounds how long streams are kept.
func New(store Store, ttl time.Duration) *Context {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Context{store: store, ttl: ttl, poll: time.Second}
}

// Store exposes the underlying store.
func (c *Context) Store() Store { return c.store }

// Produce creates the stream and returns its writer.
func (c *Context) Produce(ctx context.Context, id string) (*Producer, error) {
	if err := c.store.Create(ctx, id, c.ttl); err != nil {
		return nil, err
	}
	return &Producer{store: c.store, id: id}, nil
}

// Follow attaches from the first chunk whether or not the stream finished.
func (c *Context) Follow(ctx context.Context, id string) (*Reader, error) {
	return c.attach(ctx, id, false)
}

// Resume attaches from the first chunk of an unfinished stream.
func (c *Context) Resume(ctx context.Context, id string) (*Reader, error) {
	return c.attach(ctx, id, true)
}

func (c *Context) attach(ctx context.Context, id string, requireActive bool) (*Reader, error) {
	// subscribe first so no notification between Range and wait is lost
	sub, err := c.store.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, state, err := c.store.Range(ctx, id, 0)
	if err != nil {
		sub.Close()
		return nil, err
	}
	switch {
	case state == StateMissing:
		sub.Close()
		return nil, ErrStreamNotFound
	case state == StateDone && requireActive:
		sub.Close()
		return nil, ErrStreamDone
	}
	return &Reader{
		store:   c.store,
		id:      id,
		sub:     sub,
		poll:    c.poll,
		pending: chunks,
		next:    len(chunks),
		done:    state == StateDone,
	}, nil
}

// Producer appends chunks to a single stream.
type Producer struct {
	store  Store
	id     string
	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() string { return p.id }

// Write appends one chunk.
func (p *Producer) Write(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	return p.store.Append(ctx, p.id, chunk)
}

// Close marks the stream finished. Subsequent calls are no-ops.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.store.Finish(ctx, p.id)
}

// Reader replays and follows a stream.
type Reader struct {
	store   Store
	id      string
	sub     Notification
	poll    time.Duration
	pending [][]byte
	next    int
	done    bool
}

// Next returns the next chunk, blocking until one is available.
// It returns io.EOF once the stream finished and every chunk was read.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if len(r.pending) > 0 {
			chunk := r.pending[0]
			r.pending = r.pending[1:]
			return chunk, nil
		}
		if r.done {
			return nil, io.EOF
		}
		chunks, state, err := r.store.Range(ctx, r.id, r.next)
		if err != nil {
			return nil, err
		}
		r.next += len(chunks)
		r.pending = chunks
		switch state {
		case StateDone:
			r.done = true
			continue
		case StateMissing:
			return nil, ErrStreamNotFound
		}
		if len(r.pending) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.sub.C():
		case <-ticker.C:
		}
	}
}

func (r *Reader) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Close()
}
