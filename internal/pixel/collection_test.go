package pixel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwatch/internal/model"
)

func recordAt(url string, typ model.ResourceType, id string, observed time.Time) *Record {
	r := Parse(url, typ)
	r.RequestID = id
	r.CreatedAt = observed
	r.ObservedAt = observed
	return &r
}

// ============================================
// Counters on insertion
// ============================================

func TestCollection_AddCounters(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())

	c.add(recordAt(goodScriptURL, model.ResourceScript, "a", now))
	assert.Equal(t, Counters{Records: 1, Duplicates: 1}, c.Counters())

	// missing pixel id → error only
	c.add(recordAt("https://x/sp.pl?a=10000&product_id=1&ea=x&et=y", model.ResourceScript, "b", now))
	assert.Equal(t, 1, c.Counters().Errors)
	assert.Equal(t, 0, c.Counters().Warnings)

	// script without optional fields → warning
	c.add(recordAt(badScriptURL, model.ResourceScript, "c", now))
	assert.Equal(t, 1, c.Counters().Warnings)

	// image pixel with the same gaps is not a warning
	c.add(recordAt(imageURL, model.ResourceImage, "d", now))
	counters := c.Counters()
	assert.Equal(t, 4, counters.Records)
	assert.Equal(t, 1, counters.Warnings)
	assert.Equal(t, 1, counters.Errors)
}

func TestCollection_ErrorAndWarningAreIndependent(t *testing.T) {
	t.Parallel()
	c := newCollection("1", DefaultPolicy())

	// script missing the pixel id and every optional field counts on both
	c.add(recordAt("https://x/sp.pl?a=10000", model.ResourceScript, "a", time.Now()))
	assert.Equal(t, Counters{Records: 1, Errors: 1, Warnings: 1, Duplicates: 1}, c.Counters())
	assert.Equal(t, Badge{Label: "1", Severity: SeverityError}, c.Badge())
}

func TestCollection_DuplicateCountFirstMatchOnly(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())

	c.add(recordAt(imageURL, model.ResourceImage, "a", now))
	assert.Equal(t, 1, c.Counters().Duplicates)

	c.add(recordAt(imageURL, model.ResourceImage, "b", now))
	assert.Equal(t, 2, c.Counters().Duplicates, "second record with same mask increments once")

	c.add(recordAt(imageURL, model.ResourceImage, "c", now))
	assert.Equal(t, 3, c.Counters().Duplicates, "third matches two earlier records but increments once")

	c.add(recordAt(goodScriptURL, model.ResourceScript, "d", now))
	assert.Equal(t, 3, c.Counters().Duplicates, "distinct mask does not count")
}

func TestCollection_MissingRequiredAlwaysErrors(t *testing.T) {
	t.Parallel()
	urls := []string{
		"https://x/sp.pl",
		"https://x/sp.pl?.yp=1",
		"https://x/sp.pl?a=10000",
		"https://x/sp.pl?a=x&.yp=1",
		"https://x/sp.pl?a=1&.yp=",
	}
	for _, u := range urls {
		for _, typ := range []model.ResourceType{model.ResourceScript, model.ResourceImage} {
			c := newCollection("1", Policy{})
			r := recordAt(u, typ, "a", time.Now())
			require.False(t, r.Validity.RequiredOK(), u)
			assert.NotZero(t, r.ValidityMask()&RequiredBits, u)

			c.add(r)
			assert.Equal(t, 1, c.Counters().Errors, u)
		}
	}
}

func TestCollection_CompleteScriptHasNoWarning(t *testing.T) {
	t.Parallel()
	c := newCollection("1", DefaultPolicy())
	r := recordAt(goodScriptURL, model.ResourceScript, "a", time.Now())
	assert.Zero(t, r.ValidityMask()&OptionalBits)

	c.add(r)
	assert.Zero(t, c.Counters().Warnings)
}

// ============================================
// Eviction
// ============================================

func TestCollection_EvictByAge(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCollection("1", DefaultPolicy())

	// oldest first: ages 8000, 6000, 1000 ms
	c.add(recordAt("https://x/sp.pl?a=10000", model.ResourceScript, "old", now.Add(-8000*time.Millisecond)))
	c.add(recordAt(badScriptURL, model.ResourceScript, "mid", now.Add(-6000*time.Millisecond)))
	c.add(recordAt(imageURL, model.ResourceImage, "new", now.Add(-1000*time.Millisecond)))

	removed := c.evict(now, 5000*time.Millisecond)
	require.Len(t, removed, 2)
	assert.Equal(t, "old", removed[0].RequestID)
	assert.Equal(t, "mid", removed[1].RequestID)

	require.Equal(t, 1, c.Len())
	assert.Equal(t, "new", c.records[0].RequestID)

	fresh := newCollection("1", DefaultPolicy())
	fresh.add(c.records[0])
	assert.Equal(t, fresh.Counters(), c.Counters())
}

func TestCollection_EvictBoundaryIsInclusive(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())
	c.add(recordAt(imageURL, model.ResourceImage, "edge", now.Add(-5*time.Second)))

	removed := c.evict(now, 5*time.Second)
	assert.Len(t, removed, 1)
	assert.Zero(t, c.Len())
}

func TestCollection_EvictRecountsDuplicates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())

	c.add(recordAt(imageURL, model.ResourceImage, "a", now.Add(-time.Minute)))
	c.add(recordAt(imageURL, model.ResourceImage, "b", now))
	c.add(recordAt(imageURL, model.ResourceImage, "c", now))
	require.Equal(t, 3, c.Counters().Duplicates)

	c.evict(now, 5*time.Second)
	// "b" is now first of its mask; only "c" duplicates it
	assert.Equal(t, 2, c.Counters().Duplicates)
}

func TestCollection_EvictNothingKeepsCounters(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())
	c.add(recordAt("https://x/sp.pl", model.ResourceImage, "a", now))
	before := c.Counters()

	assert.Empty(t, c.evict(now, 5*time.Second))
	assert.Equal(t, before, c.Counters())
}

// ============================================
// Snapshots
// ============================================

func TestCollection_SnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	c := newCollection("1", DefaultPolicy())
	c.add(recordAt(goodScriptURL, model.ResourceScript, "a", time.Now()))

	snap := c.Snapshot()
	snap.Records[0].ErrorFlag = true
	snap.Records[0].Params[0].Value = "mutated"

	assert.False(t, c.records[0].ErrorFlag)
	assert.Equal(t, "10000", c.records[0].Params[0].Value)
	assert.Equal(t, Badge{Label: "1", Severity: SeverityOK}, snap.Badge)
}

func TestSnapshot_GroupByPixel(t *testing.T) {
	t.Parallel()
	now := time.Now()
	c := newCollection("1", DefaultPolicy())
	c.add(recordAt("https://x/sp.pl?a=1&.yp=5", model.ResourceImage, "a", now))
	c.add(recordAt("https://x/sp.pl?a=1", model.ResourceImage, "b", now))
	c.add(recordAt("https://x/sp.pl?a=1&.yp=5&ea=Buy", model.ResourceScript, "c", now))

	groups := c.Snapshot().GroupByPixel()
	require.Len(t, groups, 2)
	assert.Equal(t, "5", groups[0].Label)
	assert.Len(t, groups[0].Records, 2)
	assert.Equal(t, "Missing", groups[1].Label)
	assert.Equal(t, "b", groups[1].Records[0].RequestID)
}

// ============================================
// Badge projection
// ============================================

func TestProject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Counters
		want Badge
	}{
		{"empty", Counters{Duplicates: 1}, Badge{}},
		{"error wins", Counters{Records: 3, Errors: 1, Warnings: 2}, Badge{Label: "3", Severity: SeverityError}},
		{"warning", Counters{Records: 2, Warnings: 1}, Badge{Label: "2", Severity: SeverityWarning}},
		{"ok", Counters{Records: 5}, Badge{Label: "5", Severity: SeverityOK}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Project(tc.in))
		})
	}
	assert.Equal(t, "#f44253", Badge{Severity: SeverityError}.Color())
	assert.Equal(t, "", Badge{}.Color())
}
