// Package cdp feeds the engine from a Chrome DevTools Protocol endpoint.
package cdp

import (
	"strings"
	"sync"

	"pixelwatch/internal/model"
	"pixelwatch/internal/scope"

	"github.com/go-rod/rod/lib/proto"
)

// Translator
// ------------------------------------------------------------
// Turns raw CDP notifications into engine events.
//
//   - Network.requestWillBeSent   → start, or redirected with a redirect response
//   - Network.loadingFinished     → completed
//   - Network.loadingFailed       → error (canceled flag kept)
//   - Page.loadEventFired         → navigation_complete
//   - Target.targetDestroyed      → context_removed
//   - page attached               → focus_changed
//
// Only starts pass the scope filter; their request ids are remembered so
// the follow-up events of in-scope requests are forwarded and the rest are
// dropped here, before they reach the engine.
//
// CDP stamps network events with a monotonic clock. The wall-clock offset
// of each context is learned from requestWillBeSent (which carries both)
// and applied to the later events of that context.
type Translator struct {
	scope *scope.Filter

	mu       sync.Mutex
	inflight map[string]map[string]struct{} // context → request ids
	offsets  map[string]float64             // context → wall - monotonic, seconds
}

func NewTranslator(f *scope.Filter) *Translator {
	return &Translator{
		scope:    f,
		inflight: make(map[string]map[string]struct{}),
		offsets:  make(map[string]float64),
	}
}

// RequestWillBeSent yields a start for a new in-scope request or a
// redirected event for a tracked one.
func (t *Translator) RequestWillBeSent(contextID string, e *proto.NetworkRequestWillBeSent) (model.Event, bool) {
	if e == nil || e.Request == nil {
		return model.Event{}, false
	}
	reqID := string(e.RequestID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e.WallTime > 0 && e.Timestamp > 0 {
		t.offsets[contextID] = float64(e.WallTime) - float64(e.Timestamp)
	}

	if e.RedirectResponse != nil {
		if !t.trackedLocked(contextID, reqID) {
			return model.Event{}, false
		}
		return model.Event{
			Kind:      model.KindRedirected,
			ContextID: contextID,
			RequestID: reqID,
			Timestamp: t.millisLocked(contextID, float64(e.Timestamp)),
		}, true
	}

	typ := model.ResourceType(e.Type).Normalize()
	if !t.scope.Allows(e.Request.URL, typ) {
		return model.Event{}, false
	}

	ids := t.inflight[contextID]
	if ids == nil {
		ids = make(map[string]struct{})
		t.inflight[contextID] = ids
	}
	ids[reqID] = struct{}{}

	ts := 0.0
	if e.WallTime > 0 {
		ts = float64(e.WallTime) * 1000
	}
	return model.Event{
		Kind:      model.KindStart,
		ContextID: contextID,
		RequestID: reqID,
		URL:       e.Request.URL,
		Type:      typ,
		Initiator: e.DocumentURL,
		Timestamp: ts,
	}, true
}

// LoadingFinished yields completed for a tracked request and forgets it.
func (t *Translator) LoadingFinished(contextID string, e *proto.NetworkLoadingFinished) (model.Event, bool) {
	if e == nil {
		return model.Event{}, false
	}
	reqID := string(e.RequestID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.forgetLocked(contextID, reqID) {
		return model.Event{}, false
	}
	return model.Event{
		Kind:      model.KindCompleted,
		ContextID: contextID,
		RequestID: reqID,
		Timestamp: t.millisLocked(contextID, float64(e.Timestamp)),
	}, true
}

// LoadingFailed yields error for a tracked request and forgets it.
func (t *Translator) LoadingFailed(contextID string, e *proto.NetworkLoadingFailed) (model.Event, bool) {
	if e == nil {
		return model.Event{}, false
	}
	reqID := string(e.RequestID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.forgetLocked(contextID, reqID) {
		return model.Event{}, false
	}
	return model.Event{
		Kind:      model.KindErrorOccurred,
		ContextID: contextID,
		RequestID: reqID,
		Timestamp: t.millisLocked(contextID, float64(e.Timestamp)),
		Error: model.ErrorInfo{
			Message:  strings.TrimSpace(e.ErrorText),
			Canceled: e.Canceled,
		},
	}, true
}

// LoadEventFired marks the end of a navigation. Requests still in flight
// stay tracked: their late completions belong to the records that
// survive eviction.
func (t *Translator) LoadEventFired(contextID string) model.Event {
	return model.Event{Kind: model.KindNavigationComplete, ContextID: contextID}
}

// TargetDestroyed forgets everything about the context.
func (t *Translator) TargetDestroyed(contextID string) model.Event {
	t.mu.Lock()
	delete(t.inflight, contextID)
	delete(t.offsets, contextID)
	t.mu.Unlock()
	return model.Event{Kind: model.KindContextRemoved, ContextID: contextID}
}

func (t *Translator) Focus(contextID string) model.Event {
	return model.Event{Kind: model.KindFocusChanged, ContextID: contextID}
}

// Inflight is the number of tracked requests in a context.
func (t *Translator) Inflight(contextID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight[contextID])
}

func (t *Translator) trackedLocked(contextID, reqID string) bool {
	_, ok := t.inflight[contextID][reqID]
	return ok
}

func (t *Translator) forgetLocked(contextID, reqID string) bool {
	ids := t.inflight[contextID]
	if _, ok := ids[reqID]; !ok {
		return false
	}
	delete(ids, reqID)
	if len(ids) == 0 {
		delete(t.inflight, contextID)
	}
	return true
}

// millisLocked converts a monotonic timestamp to epoch milliseconds; 0
// (engine clock) when the context has no known offset.
func (t *Translator) millisLocked(contextID string, mono float64) float64 {
	off, ok := t.offsets[contextID]
	if !ok || mono <= 0 {
		return 0
	}
	return (mono + off) * 1000
}
