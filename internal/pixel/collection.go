package pixel

import (
	"time"
)

// Policy decides which records count as errors and warnings.
type Policy struct {
	// CountTransportErrors makes a record whose request failed count as an
	// error even when its fields were complete.
	CountTransportErrors bool
}

// DefaultPolicy counts transport errors.
func DefaultPolicy() Policy {
	return Policy{CountTransportErrors: true}
}

func (p Policy) isError(r *Record) bool {
	if !r.Validity.RequiredOK() {
		return true
	}
	return p.CountTransportErrors && r.ErrorFlag
}

func (p Policy) isWarning(r *Record) bool {
	return r.Type.IsScript() && !r.Validity.OptionalOK()
}

// Collection
// ------------------------------------------------------------
// Every record seen in one browsing context, in arrival order, plus the
// counters derived from them. The counters are kept consistent with
// records at all times: incrementally on add, by full recount whenever
// records go away or change state.
type Collection struct {
	contextID string
	policy    Policy
	records   []*Record

	errorCount     int
	warningCount   int
	duplicateCount int
}

func newCollection(contextID string, policy Policy) *Collection {
	return &Collection{
		contextID:      contextID,
		policy:         policy,
		duplicateCount: 1,
	}
}

// ContextID returns the owning context.
func (c *Collection) ContextID() string { return c.contextID }

// Len returns the number of records.
func (c *Collection) Len() int { return len(c.records) }

// Counters returns the current aggregate numbers.
func (c *Collection) Counters() Counters {
	return Counters{
		Records:    len(c.records),
		Errors:     c.errorCount,
		Warnings:   c.warningCount,
		Duplicates: c.duplicateCount,
	}
}

// Badge projects the current counters.
func (c *Collection) Badge() Badge {
	return Project(c.Counters())
}

// add appends r and updates the counters. A record whose validity equals
// any earlier record's bumps duplicateCount once.
func (c *Collection) add(r *Record) {
	if c.hasSameValidity(r, len(c.records)) {
		c.duplicateCount++
	}
	c.records = append(c.records, r)

	if c.policy.isError(r) {
		c.errorCount++
	}
	if c.policy.isWarning(r) {
		c.warningCount++
	}
}

// hasSameValidity scans records[:upto] for the first record with r's
// validity.
func (c *Collection) hasSameValidity(r *Record, upto int) bool {
	for _, other := range c.records[:upto] {
		if other.Validity == r.Validity {
			return true
		}
	}
	return false
}

// find returns the first record with the given request id.
func (c *Collection) find(requestID string) *Record {
	for _, r := range c.records {
		if r.RequestID == requestID {
			return r
		}
	}
	return nil
}

// evict removes every record observed at least damper ago. Counters are
// recomputed from the survivors when anything was removed.
func (c *Collection) evict(now time.Time, damper time.Duration) []Record {
	var removed []Record
	kept := c.records[:0]
	for _, r := range c.records {
		if !r.ObservedAt.Add(damper).After(now) {
			removed = append(removed, *r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(c.records); i++ {
		c.records[i] = nil
	}
	c.records = kept

	if len(removed) > 0 {
		c.recount()
	}
	return removed
}

// drain empties the collection and returns what it held.
func (c *Collection) drain() []Record {
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	c.records = nil
	c.recount()
	return out
}

// recount rebuilds all three counters from records.
func (c *Collection) recount() {
	c.errorCount, c.warningCount, c.duplicateCount = 0, 0, 1
	for i, r := range c.records {
		if c.hasSameValidity(r, i) {
			c.duplicateCount++
		}
		if c.policy.isError(r) {
			c.errorCount++
		}
		if c.policy.isWarning(r) {
			c.warningCount++
		}
	}
}

// Snapshot
// ------------------------------------------------------------
// Immutable copy of a collection for readers outside the owner.
type Snapshot struct {
	ContextID string   `json:"context_id"`
	Records   []Record `json:"records"`
	Counters
	Badge Badge `json:"badge"`
}

// Snapshot deep-copies the collection.
func (c *Collection) Snapshot() Snapshot {
	s := Snapshot{
		ContextID: c.contextID,
		Records:   make([]Record, len(c.records)),
		Counters:  c.Counters(),
	}
	for i, r := range c.records {
		s.Records[i] = r.clone()
	}
	s.Badge = Project(s.Counters)
	return s
}

// EmptySnapshot is what a query for an unknown context returns.
func EmptySnapshot(contextID string) Snapshot {
	return Snapshot{
		ContextID: contextID,
		Records:   []Record{},
		Counters:  Counters{Duplicates: 1},
	}
}

// PixelGroup is the records sharing one pixel id.
type PixelGroup struct {
	PixelID string   `json:"pixel_id"`
	Label   string   `json:"label"`
	Records []Record `json:"records"`
}

// missingPixelLabel names the group of records without a pixel id.
const missingPixelLabel = "Missing"

// GroupByPixel groups records by pixel id in order of first appearance.
func (s Snapshot) GroupByPixel() []PixelGroup {
	var groups []PixelGroup
	index := make(map[string]int)
	for _, r := range s.Records {
		i, ok := index[r.PixelID]
		if !ok {
			label := r.PixelID
			if label == "" {
				label = missingPixelLabel
			}
			i = len(groups)
			index[r.PixelID] = i
			groups = append(groups, PixelGroup{PixelID: r.PixelID, Label: label})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}
