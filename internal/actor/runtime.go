// Package actor provides per-key serialized execution with durable scratch
// storage and a single schedulable wake per key. Operations submitted for the
// same key never run concurrently; different keys run fully independently.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for submissions after the runtime has shut down.
var ErrClosed = errors.New("actor runtime closed")

// Handler receives wake callbacks. It runs with exclusive access to the key
// and must re-arm or cancel the persisted wake before returning.
type Handler func(ctx context.Context, key string)

// WakeStore persists per-key wake times so armed wakes survive restarts.
type WakeStore interface {
	ArmWake(ctx context.Context, key string, at time.Time) error
	ArmWakeMin(ctx context.Context, key string, at time.Time) (time.Time, error)
	CancelWake(ctx context.Context, key string) error
	ListWakes(ctx context.Context) (map[string]time.Time, error)
}

// StateStore is the durable key-value scratch space scoped to an actor key.
type StateStore interface {
	PutState(ctx context.Context, key, name string, value []byte) error
	GetState(ctx context.Context, key, name string) ([]byte, bool, error)
	ClearState(ctx context.Context, key string) error
}

const mailboxIdleTTL = time.Minute

type Runtime struct {
	wakes   WakeStore
	handler Handler
	gate    *timerGate

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type mailbox struct {
	jobs    chan func()
	pending int // guarded by Runtime.mu; keeps the drainer alive while work is queued
}

func NewRuntime(wakes WakeStore) *Runtime {
	r := &Runtime{
		wakes: wakes,
		boxes: make(map[string]*mailbox),
	}
	r.gate = newTimerGate(r.fireWake)
	return r
}

// SetHandler registers the wake callback. Must be called before Start.
func (r *Runtime) SetHandler(h Handler) { r.handler = h }

// Start reseeds the timer from persisted wakes and begins firing them, so no
// armed wake is lost across a process restart.
func (r *Runtime) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	wakes, err := r.wakes.ListWakes(ctx)
	if err != nil {
		return err
	}
	for key, at := range wakes {
		r.gate.arm(key, at)
	}
	if len(wakes) > 0 {
		log.Info().Int("wakes", len(wakes)).Msg("reseeded persisted wakes")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.gate.run()
	}()
	return nil
}

// Close stops the timer and waits for in-flight actor work to finish.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.gate.close()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Do runs fn with exclusive access to key, serialized after any operation or
// wake callback already queued for that key. It blocks until fn returns.
func (r *Runtime) Do(key string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if err := r.submit(key, func() { errc <- fn(r.ctx) }); err != nil {
		return err
	}
	return <-errc
}

// ArmWake arms (or replaces) the key's single wake slot at an absolute time.
func (r *Runtime) ArmWake(ctx context.Context, key string, at time.Time) error {
	if err := r.wakes.ArmWake(ctx, key, at); err != nil {
		return err
	}
	r.gate.arm(key, at)
	return nil
}

// ArmWakeMin arms the wake only if at is earlier than the currently armed
// time; the wake always ends up at the minimum of the two.
func (r *Runtime) ArmWakeMin(ctx context.Context, key string, at time.Time) error {
	effective, err := r.wakes.ArmWakeMin(ctx, key, at)
	if err != nil {
		return err
	}
	r.gate.arm(key, effective)
	return nil
}

func (r *Runtime) CancelWake(ctx context.Context, key string) error {
	if err := r.wakes.CancelWake(ctx, key); err != nil {
		return err
	}
	r.gate.cancel(key)
	return nil
}

// fireWake delivers a wake to the key's mailbox without ever blocking the
// timer goroutine: a saturated mailbox on one key must not delay wakes for
// any other key, so the send happens on its own goroutine.
func (r *Runtime) fireWake(key string) {
	job := func() {
		if r.handler != nil {
			r.handler(r.ctx, key)
		}
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Warn().Str("actor_key", key).Msg("dropping wake for closed runtime")
		return
	}
	mb := r.boxLocked(key)
	mb.pending++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case mb.jobs <- job:
		case <-r.done():
			r.mu.Lock()
			mb.pending--
			r.mu.Unlock()
		}
	}()
}

func (r *Runtime) submit(key string, job func()) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	mb := r.boxLocked(key)
	mb.pending++
	r.mu.Unlock()

	select {
	case mb.jobs <- job:
		return nil
	case <-r.done():
		r.mu.Lock()
		mb.pending--
		r.mu.Unlock()
		return ErrClosed
	}
}

// boxLocked returns the key's mailbox, creating it and starting its drainer
// if needed. Callers must hold r.mu.
func (r *Runtime) boxLocked(key string) *mailbox {
	mb, ok := r.boxes[key]
	if !ok {
		mb = &mailbox{jobs: make(chan func(), 16)}
		r.boxes[key] = mb
		r.wg.Add(1)
		go r.drain(key, mb)
	}
	return mb
}

func (r *Runtime) done() <-chan struct{} {
	if r.ctx != nil {
		return r.ctx.Done()
	}
	return nil
}

// drain runs the key's mailbox one job at a time and reaps itself after a
// quiet period, rechecking the pending count under the supervisor lock so a
// concurrent submit cannot land in a dead mailbox.
func (r *Runtime) drain(key string, mb *mailbox) {
	defer r.wg.Done()
	idle := time.NewTimer(mailboxIdleTTL)
	defer idle.Stop()
	for {
		select {
		case job := <-mb.jobs:
			job()
			r.mu.Lock()
			mb.pending--
			r.mu.Unlock()
			stopTimer(idle)
			idle.Reset(mailboxIdleTTL)
		case <-idle.C:
			r.mu.Lock()
			if mb.pending == 0 {
				delete(r.boxes, key)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			idle.Reset(mailboxIdleTTL)
		case <-r.done():
			// Finish everything already accepted, then exit. A submitter
			// between bookkeeping and send either lands its job here or
			// aborts and decrements pending itself.
			for {
				r.mu.Lock()
				p := mb.pending
				r.mu.Unlock()
				if p == 0 {
					return
				}
				select {
				case job := <-mb.jobs:
					job()
					r.mu.Lock()
					mb.pending--
					r.mu.Unlock()
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
	}
}
