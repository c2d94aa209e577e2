// internal/worker/manager.go
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/model"
	"pixelwatch/internal/pixel"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by TrySubmit when EventCh has no room.
	ErrQueueFull = errors.New("engine queue full")
	// ErrStopped is returned once the engine is shutting down.
	ErrStopped = errors.New("engine stopped")
)

// ManagerOptions carry the collaborators of a Manager. All are optional.
type ManagerOptions struct {
	Notifier pixel.Notifier
	Archive  Sink
	Clock    func() time.Time
	Logger   zerolog.Logger
}

// Manager
// ------------------------------------------------------------
// Owns the registry and the correlator. One goroutine (engineLoop)
// consumes EventCh and the query channel, so every mutation and every
// read runs in a single serial order and the pixel package needs no
// locks.
//
//   - EventCh: sources (HTTP, CDP) → engine
//   - queryCh: readers get deep-copied snapshots back
//   - Archive: records released by eviction or context removal
//
// Shutdown applies whatever is still buffered before returning.
type Manager struct {
	metrics *metrics.Metrics
	log     zerolog.Logger
	archive Sink

	correlator *pixel.Correlator

	EventCh chan model.Event
	queryCh chan func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Sends into EventCh happen under mu.RLock. Shutdown closes stopping,
	// then takes mu.Lock before cancelling, so every accepted event is
	// in the channel before the final drain.
	mu       sync.RWMutex
	stopping chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires the engine. Nothing runs until Start.
func NewManager(cfg config.Config, m *metrics.Metrics, opts ManagerOptions) *Manager {
	reg := pixel.NewRegistry(pixel.Policy{CountTransportErrors: cfg.CountTransportErrors})
	corr := pixel.NewCorrelator(reg, pixel.Options{
		Damper:   cfg.EvictionDamper,
		Clock:    opts.Clock,
		Notifier: opts.Notifier,
		Logger:   opts.Logger,
	})

	size := cfg.ChannelSize
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		metrics:    m,
		log:        opts.Logger,
		archive:    opts.Archive,
		correlator: corr,
		EventCh:    make(chan model.Event, size),
		queryCh:    make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		stopping:   make(chan struct{}),
	}
}

// Start runs the engine loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.engineLoop()
}

// Shutdown stops intake, applies buffered events, and waits for the loop.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopping)
		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// Submit blocks until ev is queued, ctx is done or the engine stops.
func (m *Manager) Submit(ctx context.Context, ev model.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isStopping() {
		return ErrStopped
	}
	select {
	case m.EventCh <- ev:
		atomic.AddInt64(&m.metrics.EventsReceivedTotal, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopping:
		return ErrStopped
	}
}

// TrySubmit queues ev or fails fast with ErrQueueFull.
func (m *Manager) TrySubmit(ev model.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isStopping() {
		return ErrStopped
	}
	select {
	case m.EventCh <- ev:
		atomic.AddInt64(&m.metrics.EventsReceivedTotal, 1)
		return nil
	default:
		atomic.AddInt64(&m.metrics.EventsRejectedQueueFullTotal, 1)
		return ErrQueueFull
	}
}

// Query returns a snapshot of one context. ok is false for an unknown
// context, whose snapshot is empty.
func (m *Manager) Query(ctx context.Context, contextID string) (pixel.Snapshot, bool, error) {
	type result struct {
		snap pixel.Snapshot
		ok   bool
	}
	res, err := call(ctx, m, func() result {
		snap, ok := m.correlator.Query(contextID)
		return result{snap, ok}
	})
	return res.snap, res.ok, err
}

// Contexts lists every tracked context with its counters and badge.
func (m *Manager) Contexts(ctx context.Context) ([]pixel.Summary, error) {
	return call(ctx, m, func() []pixel.Summary {
		return m.correlator.Registry().Summaries()
	})
}

// Badge returns the current badge of one context.
func (m *Manager) Badge(ctx context.Context, contextID string) (pixel.Badge, error) {
	return call(ctx, m, func() pixel.Badge {
		if col, ok := m.correlator.Registry().Get(contextID); ok {
			return col.Badge()
		}
		return pixel.Badge{}
	})
}

func (m *Manager) isStopping() bool {
	select {
	case <-m.stopping:
		return true
	default:
		return false
	}
}

// call runs fn on the engine goroutine. The result travels over a
// buffered channel, so a caller that gave up never shares memory with
// the engine.
func call[T any](ctx context.Context, m *Manager, fn func() T) (T, error) {
	var zero T
	out := make(chan T, 1)

	select {
	case m.queryCh <- func() { out <- fn() }:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		return zero, ErrStopped
	}

	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// engineLoop is the only goroutine touching the registry.
func (m *Manager) engineLoop() {
	defer m.wg.Done()
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			m.drain()
			m.flushArchive()
			m.log.Info().Msg("engine exiting")
			return

		case ev := <-m.EventCh:
			m.apply(ev)

		case q := <-m.queryCh:
			// events queued before the query are visible to it
			m.drain()
			q()
		}
	}
}

// drain applies what is left in EventCh without waiting for more.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.EventCh:
			m.apply(ev)
		default:
			return
		}
	}
}

// flushArchive hands every record still held to the archive.
func (m *Manager) flushArchive() {
	if m.archive == nil {
		return
	}
	for _, id := range m.correlator.Registry().IDs() {
		res := m.correlator.Apply(model.Event{Kind: model.KindContextRemoved, ContextID: id})
		m.archive.Enqueue(ReasonShutdown, res.Released)
	}
}

func (m *Manager) apply(ev model.Event) {
	res := m.correlator.Apply(ev)

	switch res.Outcome {
	case pixel.OutcomeDroppedNoContext:
		atomic.AddInt64(&m.metrics.EventsDroppedNoContextTotal, 1)
	case pixel.OutcomeUncorrelated:
		atomic.AddInt64(&m.metrics.EventsUncorrelatedTotal, 1)
	case pixel.OutcomeRedelivered:
		atomic.AddInt64(&m.metrics.EventsRedeliveredTotal, 1)
	}
	if res.Created {
		atomic.AddInt64(&m.metrics.RecordsCreatedTotal, 1)
	}
	if res.TransportError {
		atomic.AddInt64(&m.metrics.TransportErrorsTotal, 1)
	}

	if n := len(res.Released); n > 0 {
		atomic.AddInt64(&m.metrics.RecordsEvictedTotal, int64(n))
		if m.archive != nil {
			reason := ReasonNavigation
			if ev.Kind == model.KindContextRemoved {
				reason = ReasonContextRemoved
			}
			m.archive.Enqueue(reason, res.Released)
		}
	}

	atomic.StoreInt64(&m.metrics.ContextsCurrent, int64(m.correlator.Registry().Len()))
}
