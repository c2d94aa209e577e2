package pixel

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pixelwatch/internal/model"
)

// Parse
// ------------------------------------------------------------
// Classifies a raw beacon URL. Pure and deterministic: no clock, no
// identity, nothing shared. Malformed input never fails; a URL without a
// query string yields a record with every check unsatisfied.
//
// Project and pixel ids must be present and numeric. For script beacons
// product id, event action and event type only need to be non-empty
// (action/type values are not checked against a vocabulary).
func Parse(rawURL string, typ model.ResourceType) Record {
	r := Record{
		URL:  rawURL,
		Type: typ.Normalize(),
	}

	params, firsts, ok := splitQuery(rawURL)
	if !ok {
		return r
	}
	r.Params = params

	r.ProjectID = firsts[KeyProjectID]
	r.PixelID = firsts[KeyPixelID]
	r.EventAction = firsts[KeyEventAction]
	r.EventType = firsts[KeyEventType]
	r.ProductID = firsts[KeyProductID]

	r.Validity.ProjectOK = numeric(r.ProjectID)
	r.Validity.PixelOK = numeric(r.PixelID)

	if r.Type.IsScript() {
		r.Validity.ProductOK = r.ProductID != ""
		r.Validity.ActionOK = r.EventAction != ""
		r.Validity.TypeOK = r.EventType != ""
	}
	return r
}

// ParseStart builds the record for a Start event. createdAt is the
// dispatch time, observedAt the engine clock when the event was absorbed.
func ParseStart(ev model.Event, observedAt time.Time) Record {
	r := Parse(ev.URL, ev.Type)
	r.RequestID = ev.RequestID
	r.ContextID = ev.ContextID
	r.Initiator = ev.Initiator
	r.CreatedAt = ev.Time(observedAt)
	r.ObservedAt = observedAt
	return r
}

// splitQuery returns the parameters after the first '?' in first-seen
// key order (later duplicates overwrite the value) together with the first
// value per key, which is what the named fields take. A '?' at index 0
// does not count as a delimiter.
func splitQuery(rawURL string) (Params, map[string]string, bool) {
	i := strings.IndexByte(rawURL, '?')
	if i <= 0 {
		return nil, nil, false
	}
	q := rawURL[i+1:]
	if j := strings.IndexByte(q, '#'); j >= 0 {
		q = q[:j]
	}

	params := Params{}
	firsts := make(map[string]string)
	for _, part := range strings.Split(q, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key, value = unescape(key), unescape(value)
		if _, seen := firsts[key]; !seen {
			firsts[key] = value
		}
		params.set(key, value)
	}
	return params, firsts, true
}

// unescape decodes form encoding, keeping the raw text when a percent
// sequence is broken.
func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return strings.ReplaceAll(s, "+", " ")
}

// numeric follows the browser's Number(): decimal and exponent forms,
// unsigned 0x/0o/0b integers, and the spelling "Infinity". Values too
// large to represent still count as numbers. Blanks are rejected.
func numeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsRune(s, '_') {
		return false
	}

	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			_, err := strconv.ParseUint(s[2:], base, 64)
			return err == nil || errors.Is(err, strconv.ErrRange)
		}
	}

	if strings.TrimLeft(s, "+-") == "Infinity" {
		return len(s)-len("Infinity") <= 1
	}
	if strings.ContainsAny(s, "iInNxX") {
		// inf, nan and hex floats are Go spellings, not Number() ones
		return false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Is(err, strconv.ErrRange)
	}
	return !math.IsNaN(f)
}
