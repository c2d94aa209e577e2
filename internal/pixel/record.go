// Package pixel classifies analytics beacon requests and aggregates them
// per browsing context.
//
// Nothing in this package is safe for concurrent use. A single owner
// (worker.Manager) serializes every call.
package pixel

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"pixelwatch/internal/model"
)

// Query keys carried by a Gemini dot pixel.
const (
	KeyProjectID   = "a"   // always 10000 for Gemini
	KeyPixelID     = ".yp" // pixel id, unique per advertiser pixel
	KeyEventAction = "ea"
	KeyEventType   = "et"
	KeyProductID   = "product_id"
)

// Mask is the wire form of Validity: a bit is SET while its condition is
// unsatisfied.
type Mask uint32

const (
	BitProjectID      Mask = 0x1
	BitPixelID        Mask = 0x2
	BitProductID      Mask = 0x4
	BitEventAction    Mask = 0x8
	BitEventType      Mask = 0x10
	BitTransportError Mask = 0x1000

	// MaskUnsatisfied is where every record starts before any check passes.
	MaskUnsatisfied Mask = 0xff

	RequiredBits = BitProjectID | BitPixelID
	OptionalBits = BitProductID | BitEventAction | BitEventType
)

// Validity
// ------------------------------------------------------------
// Which field checks passed. Computed once by Parse and never re-derived
// from later mutations.
type Validity struct {
	ProjectOK bool `json:"project_ok"`
	PixelOK   bool `json:"pixel_ok"`
	ProductOK bool `json:"product_ok"`
	ActionOK  bool `json:"action_ok"`
	TypeOK    bool `json:"type_ok"`
}

// Mask derives the bitmask form.
func (v Validity) Mask() Mask {
	m := MaskUnsatisfied
	if v.ProjectOK {
		m &^= BitProjectID
	}
	if v.PixelOK {
		m &^= BitPixelID
	}
	if v.ProductOK {
		m &^= BitProductID
	}
	if v.ActionOK {
		m &^= BitEventAction
	}
	if v.TypeOK {
		m &^= BitEventType
	}
	return m
}

// RequiredOK is true when both project and pixel ids are usable.
func (v Validity) RequiredOK() bool {
	return v.ProjectOK && v.PixelOK
}

// OptionalOK is true when product, action and type were all present.
func (v Validity) OptionalOK() bool {
	return v.ProductOK && v.ActionOK && v.TypeOK
}

// Param is one query key/value pair.
type Param struct {
	Key   string
	Value string
}

// Params keeps query parameters in first-seen order. A repeated key
// overwrites the value in place.
type Params []Param

func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (p *Params) set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}

func (p Params) clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// MarshalJSON writes an object with keys in query order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ElapsedState tracks where a record's latency measurement stands.
type ElapsedState uint8

const (
	ElapsedPending ElapsedState = iota
	ElapsedMeasured
	ElapsedFailed
)

// ErrorSentinel is what a failed request shows instead of a latency.
const ErrorSentinel = "Error"

// Elapsed is the completion latency of a beacon.
type Elapsed struct {
	State  ElapsedState
	Millis float64
}

func (e Elapsed) String() string {
	switch e.State {
	case ElapsedMeasured:
		return strconv.FormatFloat(e.Millis, 'f', 2, 64)
	case ElapsedFailed:
		return ErrorSentinel
	}
	return ""
}

// MarshalJSON: null while pending, a number with two decimals once
// measured, "Error" after a fatal transport error.
func (e Elapsed) MarshalJSON() ([]byte, error) {
	switch e.State {
	case ElapsedMeasured:
		return []byte(strconv.FormatFloat(e.Millis, 'f', 2, 64)), nil
	case ElapsedFailed:
		return []byte(`"` + ErrorSentinel + `"`), nil
	}
	return []byte("null"), nil
}

// Record
// ------------------------------------------------------------
// One observed beacon. Created on Start, afterwards only ErrorFlag,
// ErrorText and Elapsed change.
type Record struct {
	RequestID   string             `json:"request_id"`
	ContextID   string             `json:"context_id"`
	Type        model.ResourceType `json:"type"`
	URL         string             `json:"url"`
	Initiator   string             `json:"initiator,omitempty"`
	ProjectID   string             `json:"project_id,omitempty"`
	PixelID     string             `json:"pixel_id,omitempty"`
	EventAction string             `json:"event_action,omitempty"`
	EventType   string             `json:"event_type,omitempty"`
	ProductID   string             `json:"product_id,omitempty"`
	Params      Params             `json:"params"`
	Validity    Validity           `json:"validity"`
	ErrorFlag   bool               `json:"error_flag"`
	ErrorText   string             `json:"error_text,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ObservedAt  time.Time          `json:"observed_at"`
	Elapsed     Elapsed            `json:"elapsed_ms"`
}

// ValidityMask is the wire form of r.Validity.
func (r *Record) ValidityMask() Mask {
	return r.Validity.Mask()
}

// StatusMask is ValidityMask plus the transport error bit.
func (r *Record) StatusMask() Mask {
	m := r.Validity.Mask()
	if r.ErrorFlag {
		m |= BitTransportError
	}
	return m
}

// Status is the per-record severity shown next to each beacon.
// Optional gaps only matter for script beacons; image pixels cannot carry
// them.
func (r *Record) Status() Severity {
	switch {
	case !r.Validity.RequiredOK() || r.ErrorFlag:
		return SeverityError
	case r.Type.IsScript() && !r.Validity.OptionalOK():
		return SeverityWarning
	}
	return SeverityOK
}

// defaultAction is what a pixel without "ea" reports.
const defaultAction = "Page View"

// ActionLabel returns the event action or the implied page view.
func (r *Record) ActionLabel() string {
	if r.EventAction == "" {
		return defaultAction
	}
	return r.EventAction
}

func (r *Record) clone() Record {
	out := *r
	out.Params = r.Params.clone()
	return out
}

// MarshalJSON includes the derived masks and status.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		ValidityMask Mask     `json:"validity_mask"`
		StatusMask   Mask     `json:"status_mask"`
		Status       Severity `json:"status"`
		Action       string   `json:"action"`
	}{
		plain:        plain(r),
		ValidityMask: r.ValidityMask(),
		StatusMask:   r.StatusMask(),
		Status:       r.Status(),
		Action:       r.ActionLabel(),
	})
}
