package pixel

import (
	"sort"
)

// Registry maps context ids to their collections. Entries appear on the
// first beacon of a context and disappear when their collection empties
// or the context goes away.
type Registry struct {
	policy      Policy
	collections map[string]*Collection
}

// NewRegistry returns an empty registry whose collections use policy.
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:      policy,
		collections: make(map[string]*Collection),
	}
}

// Get returns the collection for contextID.
func (g *Registry) Get(contextID string) (*Collection, bool) {
	c, ok := g.collections[contextID]
	return c, ok
}

func (g *Registry) getOrCreate(contextID string) *Collection {
	c, ok := g.collections[contextID]
	if !ok {
		c = newCollection(contextID, g.policy)
		g.collections[contextID] = c
	}
	return c
}

// Remove drops a context. It reports whether anything was there.
func (g *Registry) Remove(contextID string) bool {
	if _, ok := g.collections[contextID]; !ok {
		return false
	}
	delete(g.collections, contextID)
	return true
}

// Len is the number of tracked contexts.
func (g *Registry) Len() int { return len(g.collections) }

// IDs returns the tracked context ids, sorted.
func (g *Registry) IDs() []string {
	ids := make([]string, 0, len(g.collections))
	for id := range g.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies one collection; unknown contexts yield an empty one.
func (g *Registry) Snapshot(contextID string) (Snapshot, bool) {
	c, ok := g.collections[contextID]
	if !ok {
		return EmptySnapshot(contextID), false
	}
	return c.Snapshot(), true
}

// Summary is a context's counters and badge without its records.
type Summary struct {
	ContextID string `json:"context_id"`
	Counters
	Badge Badge `json:"badge"`
}

// Summaries lists every context, sorted by id.
func (g *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(g.collections))
	for _, id := range g.IDs() {
		c := g.collections[id]
		counters := c.Counters()
		out = append(out, Summary{
			ContextID: id,
			Counters:  counters,
			Badge:     Project(counters),
		})
	}
	return out
}
