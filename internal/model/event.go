// internal/model/event.go
package model

import (
	"math"
	"strings"
	"time"
)

// Kind
// ------------------------------------------------------------
// Lifecycle notifications the engine consumes. The first four come from
// the network-interception side, the last three from the tab lifecycle.
type Kind string

const (
	KindStart              Kind = "start"
	KindCompleted          Kind = "completed"
	KindRedirected         Kind = "redirected"
	KindErrorOccurred      Kind = "error"
	KindNavigationComplete Kind = "navigation_complete"
	KindFocusChanged       Kind = "focus_changed"
	KindContextRemoved     Kind = "context_removed"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindCompleted, KindRedirected, KindErrorOccurred,
		KindNavigationComplete, KindFocusChanged, KindContextRemoved:
		return true
	}
	return false
}

// Network reports whether k addresses a single request.
func (k Kind) Network() bool {
	switch k {
	case KindStart, KindCompleted, KindRedirected, KindErrorOccurred:
		return true
	}
	return false
}

// ResourceType is the kind the browser made the request as.
type ResourceType string

const (
	ResourceScript ResourceType = "script"
	ResourceImage  ResourceType = "image"
)

// IsScript is case-insensitive so that CDP ("Script") and webRequest
// ("script") spellings classify the same way.
func (t ResourceType) IsScript() bool {
	return strings.EqualFold(string(t), string(ResourceScript))
}

// Normalize lowercases the type.
func (t ResourceType) Normalize() ResourceType {
	return ResourceType(strings.ToLower(strings.TrimSpace(string(t))))
}

// NoContext marks events that do not belong to any tab (popups,
// service workers, extension pages).
const NoContext = "-1"

// ErrorInfo
// ------------------------------------------------------------
// Failure details reported by the network layer.
//
// Canceled is set when the request was aborted rather than failed
// (navigation away, script removed). Such errors still flag the record
// but leave its timing alone.
type ErrorInfo struct {
	Message  string `json:"message,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
}

// abortedText is what Chrome reports for user/navigation cancellation.
const abortedText = "net::ERR_ABORTED"

// Cancellation reports whether the error is non-fatal.
func (e ErrorInfo) Cancellation() bool {
	return e.Canceled || strings.EqualFold(strings.TrimSpace(e.Message), abortedText)
}

// Event
// ------------------------------------------------------------
// One lifecycle notification. Field usage depends on Kind:
//
//	start:      ContextID, RequestID, URL, Type, Timestamp, Initiator
//	completed:  ContextID, RequestID, Timestamp
//	redirected: ContextID, RequestID, Timestamp
//	error:      ContextID, RequestID, Error
//	others:     ContextID
//
// Timestamp is epoch milliseconds as the browser reports it
// (webRequest details.timeStamp). Zero means "use the engine clock".
type Event struct {
	Kind      Kind         `json:"kind"`
	ContextID string       `json:"context_id"`
	RequestID string       `json:"request_id,omitempty"`
	URL       string       `json:"url,omitempty"`
	Type      ResourceType `json:"type,omitempty"`
	Initiator string       `json:"initiator,omitempty"`
	Timestamp float64      `json:"timestamp,omitempty"`
	Error     ErrorInfo    `json:"error,omitempty"`
}

// HasContext is false for the "no context" marker and for empty ids.
func (e Event) HasContext() bool {
	id := strings.TrimSpace(e.ContextID)
	return id != "" && id != NoContext
}

// Time converts Timestamp to a time.Time, falling back to now when the
// event carries none.
func (e Event) Time(now time.Time) time.Time {
	if e.Timestamp <= 0 || math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) {
		return now
	}
	sec, frac := math.Modf(e.Timestamp / 1000)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Millis is the inverse of Time for producers building events.
func Millis(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}
