package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	viamutils "go.viam.com/utils"
)

// Publisher lets the control loop hand a message to a consumer without ever waiting
// on it. The loop calls TryLock, fills Msg, then UnlockAndPublish; if the consumer is
// still delivering the previous message TryLock fails and that cycle's publication is
// skipped. Delivery happens on a background goroutine.
type Publisher[T any] struct {
	mu  sync.Mutex
	msg T

	active  atomic.Bool
	pending chan struct{}
	sink    func(T)

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewPublisher starts a publisher delivering to sink. The message passed to sink
// shares slices with the publisher; sink must copy anything it keeps.
func NewPublisher[T any](sink func(T)) *Publisher[T] {
	cancelCtx, cancel := context.WithCancel(context.Background())
	p := &Publisher[T]{
		pending: make(chan struct{}, 1),
		sink:    sink,
		cancel:  cancel,
	}
	p.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		p.deliverThread(cancelCtx)
	}, p.activeBackgroundWorkers.Done)
	return p
}

func (p *Publisher[T]) deliverThread(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.pending:
		}
		p.mu.Lock()
		if p.sink != nil {
			p.sink(p.msg)
		}
		p.mu.Unlock()
	}
}

// Activate enables publication.
func (p *Publisher[T]) Activate() {
	p.active.Store(true)
}

// Deactivate disables publication; TryLock fails until Activate.
func (p *Publisher[T]) Deactivate() {
	p.active.Store(false)
}

// IsActivated reports whether the publisher accepts messages.
func (p *Publisher[T]) IsActivated() bool {
	return p.active.Load()
}

// TryLock acquires the message for writing without blocking.
func (p *Publisher[T]) TryLock() bool {
	if !p.active.Load() {
		return false
	}
	return p.mu.TryLock()
}

// Lock acquires the message, blocking. It is meant for setup outside the control loop.
func (p *Publisher[T]) Lock() {
	p.mu.Lock()
}

// Unlock releases the message without publishing it.
func (p *Publisher[T]) Unlock() {
	p.mu.Unlock()
}

// Msg returns the message being built. Only valid while the lock is held.
func (p *Publisher[T]) Msg() *T {
	return &p.msg
}

// UnlockAndPublish schedules delivery of the message and releases the lock.
func (p *Publisher[T]) UnlockAndPublish() {
	select {
	case p.pending <- struct{}{}:
	default:
	}
	p.mu.Unlock()
}

// Close stops the delivery goroutine. Messages not yet delivered are dropped.
func (p *Publisher[T]) Close() {
	p.active.Store(false)
	p.cancel()
	p.activeBackgroundWorkers.Wait()
}
