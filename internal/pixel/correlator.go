package pixel

import (
	"time"

	"github.com/rs/zerolog"

	"pixelwatch/internal/model"
)

// DefaultDamper is how old a record must be before a navigation can
// evict it. Beacons fired just before a navigation may be reported after
// its completion signal; they must survive it.
const DefaultDamper = 5000 * time.Millisecond

// Notifier receives every badge recomputation.
type Notifier interface {
	BadgeChanged(contextID string, b Badge)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(contextID string, b Badge)

func (f NotifierFunc) BadgeChanged(contextID string, b Badge) { f(contextID, b) }

type nopNotifier struct{}

func (nopNotifier) BadgeChanged(string, Badge) {}

// Outcome says what Apply did with an event.
type Outcome int

const (
	// OutcomeApplied: the event changed state or refreshed a badge.
	OutcomeApplied Outcome = iota
	// OutcomeDroppedNoContext: the event had no addressable context.
	OutcomeDroppedNoContext
	// OutcomeUncorrelated: no record with the request id in that context.
	OutcomeUncorrelated
	// OutcomeRedelivered: a Start for a request id already recorded.
	OutcomeRedelivered
	// OutcomeIgnored: nothing to do (unknown kind, finalized record,
	// unknown context for a tab signal).
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDroppedNoContext:
		return "dropped_no_context"
	case OutcomeUncorrelated:
		return "uncorrelated"
	case OutcomeRedelivered:
		return "redelivered"
	}
	return "ignored"
}

// Result reports the effect of one event.
type Result struct {
	Outcome Outcome
	// Created is set when a Start produced a record.
	Created bool
	// TransportError is set when an error event hit a record.
	TransportError bool
	// Released holds records that left the engine: evicted by a
	// navigation or dropped with their context.
	Released []Record
}

// Options configure a Correlator. Zero values get defaults.
type Options struct {
	Damper   time.Duration
	Clock    func() time.Time
	Notifier Notifier
	Logger   zerolog.Logger
}

// Correlator
// ------------------------------------------------------------
// Routes lifecycle events to the record they belong to and applies the
// state transition:
//
//	start       → parse + insert (the only transition that creates)
//	completed   → elapsed = event time − dispatch time (last write wins)
//	redirected  → same as completed
//	error       → error flag; elapsed = "Error" unless it was a cancellation
//	navigation  → evict records older than the damper, drop empty context
//	focus       → re-push the badge
//	removed     → drop the context
//
// Events for an unknown request id are no-ops. Events arriving before
// their Start find nothing and are lost; that gap is accepted.
type Correlator struct {
	registry *Registry
	damper   time.Duration
	now      func() time.Time
	notify   Notifier
	log      zerolog.Logger
}

// NewCorrelator wires a correlator to the registry it mutates.
func NewCorrelator(reg *Registry, opts Options) *Correlator {
	if opts.Damper <= 0 {
		opts.Damper = DefaultDamper
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	return &Correlator{
		registry: reg,
		damper:   opts.Damper,
		now:      opts.Clock,
		notify:   opts.Notifier,
		log:      opts.Logger,
	}
}

// Registry exposes the store the correlator mutates.
func (c *Correlator) Registry() *Registry { return c.registry }

// Apply processes one event.
func (c *Correlator) Apply(ev model.Event) Result {
	if !ev.HasContext() {
		return Result{Outcome: OutcomeDroppedNoContext}
	}

	switch ev.Kind {
	case model.KindStart:
		return c.start(ev)
	case model.KindCompleted, model.KindRedirected:
		return c.answered(ev)
	case model.KindErrorOccurred:
		return c.failed(ev)
	case model.KindNavigationComplete:
		return c.navigated(ev.ContextID)
	case model.KindFocusChanged:
		return c.focused(ev.ContextID)
	case model.KindContextRemoved:
		return c.removed(ev.ContextID)
	}

	c.log.Debug().Str("kind", string(ev.Kind)).Msg("unknown event kind")
	return Result{Outcome: OutcomeIgnored}
}

// Query returns a snapshot of one context.
func (c *Correlator) Query(contextID string) (Snapshot, bool) {
	return c.registry.Snapshot(contextID)
}

func (c *Correlator) start(ev model.Event) Result {
	if col, ok := c.registry.Get(ev.ContextID); ok && col.find(ev.RequestID) != nil {
		c.log.Debug().
			Str("context", ev.ContextID).
			Str("request", ev.RequestID).
			Msg("start redelivered")
		return Result{Outcome: OutcomeRedelivered}
	}

	rec := ParseStart(ev, c.now())
	col := c.registry.getOrCreate(ev.ContextID)
	col.add(&rec)

	c.log.Debug().
		Str("context", ev.ContextID).
		Str("request", ev.RequestID).
		Str("pixel", rec.PixelID).
		Stringer("status", rec.Status()).
		Msg("beacon recorded")

	c.notify.BadgeChanged(col.ContextID(), col.Badge())
	return Result{Outcome: OutcomeApplied, Created: true}
}

// lookup finds the record addressed by a network event.
func (c *Correlator) lookup(ev model.Event) (*Collection, *Record) {
	col, ok := c.registry.Get(ev.ContextID)
	if !ok {
		return nil, nil
	}
	rec := col.find(ev.RequestID)
	if rec == nil {
		return nil, nil
	}
	return col, rec
}

func (c *Correlator) uncorrelated(ev model.Event) Result {
	c.log.Debug().
		Str("kind", string(ev.Kind)).
		Str("context", ev.ContextID).
		Str("request", ev.RequestID).
		Msg("no record for request")
	return Result{Outcome: OutcomeUncorrelated}
}

func (c *Correlator) answered(ev model.Event) Result {
	col, rec := c.lookup(ev)
	if rec == nil {
		return c.uncorrelated(ev)
	}
	if rec.Elapsed.State == ElapsedFailed {
		return Result{Outcome: OutcomeIgnored}
	}

	at := ev.Time(c.now())
	ms := float64(at.Sub(rec.CreatedAt)) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	rec.Elapsed = Elapsed{State: ElapsedMeasured, Millis: ms}

	c.notify.BadgeChanged(col.ContextID(), col.Badge())
	return Result{Outcome: OutcomeApplied}
}

func (c *Correlator) failed(ev model.Event) Result {
	col, rec := c.lookup(ev)
	if rec == nil {
		return c.uncorrelated(ev)
	}

	rec.ErrorFlag = true
	rec.ErrorText = ev.Error.Message
	if !ev.Error.Cancellation() {
		rec.Elapsed = Elapsed{State: ElapsedFailed}
	}
	if col.policy.CountTransportErrors {
		col.recount()
	}

	c.log.Info().
		Str("context", ev.ContextID).
		Str("request", ev.RequestID).
		Str("error", ev.Error.Message).
		Bool("canceled", ev.Error.Cancellation()).
		Msg("beacon transport error")

	c.notify.BadgeChanged(col.ContextID(), col.Badge())
	return Result{Outcome: OutcomeApplied, TransportError: true}
}

func (c *Correlator) navigated(contextID string) Result {
	col, ok := c.registry.Get(contextID)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}

	released := col.evict(c.now(), c.damper)
	if len(released) > 0 {
		c.notify.BadgeChanged(contextID, col.Badge())
	}
	if col.Len() == 0 {
		c.registry.Remove(contextID)
	}

	if len(released) > 0 {
		c.log.Debug().
			Str("context", contextID).
			Int("evicted", len(released)).
			Int("remaining", col.Len()).
			Msg("navigation eviction")
	}
	return Result{Outcome: OutcomeApplied, Released: released}
}

func (c *Correlator) focused(contextID string) Result {
	col, ok := c.registry.Get(contextID)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}
	c.notify.BadgeChanged(contextID, col.Badge())
	return Result{Outcome: OutcomeApplied}
}

func (c *Correlator) removed(contextID string) Result {
	col, ok := c.registry.Get(contextID)
	if !ok {
		return Result{Outcome: OutcomeIgnored}
	}
	released := col.drain()
	c.registry.Remove(contextID)
	return Result{Outcome: OutcomeApplied, Released: released}
}
