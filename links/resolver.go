// Package links maintains the issue link graph of a board.
//
// Edges are stored once, keyed by (source, target, type), with an adjacency
// index on both endpoints. Each edge remembers which issues' fetches
// reported it, so replacing one issue's links never drops an edge another
// issue still reports.
package links

import (
	"cmp"
	"slices"
	"sync"

	"github.com/pksingh99/jirban-jira/domain"
)

type edge struct {
	source string
	target string
	typ    string
}

// Relation is one link seen from a given issue.
type Relation struct {
	IssueID   string           `json:"issue"`
	Type      string           `json:"type"`
	Direction domain.Direction `json:"direction"`
	Resolved  bool             `json:"resolved"`
}

// Lookup tells whether an issue is known to the board.
type Lookup interface {
	Contains(id string) bool
}

type Resolver struct {
	mu     sync.RWMutex
	owned  map[string][]edge
	owners map[edge]map[string]struct{}
	adj    map[string]map[edge]struct{}
}

func NewResolver() *Resolver {
	return &Resolver{
		owned:  make(map[string][]edge),
		owners: make(map[edge]map[string]struct{}),
		adj:    make(map[string]map[edge]struct{}),
	}
}

// Apply replaces every edge contributed by owner with records. Records that
// involve neither end as owner are ignored, as are self links.
func (r *Resolver) Apply(owner string, records []domain.LinkRecord) {
	next := make([]edge, 0, len(records))
	seen := make(map[edge]struct{}, len(records))
	for _, rec := range records {
		if rec.Source == rec.Target || (rec.Source != owner && rec.Target != owner) {
			continue
		}
		e := edge{source: rec.Source, target: rec.Target, typ: rec.Type}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		next = append(next, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.release(owner)
	if len(next) == 0 {
		return
	}
	r.owned[owner] = next
	for _, e := range next {
		set, ok := r.owners[e]
		if !ok {
			set = make(map[string]struct{}, 1)
			r.owners[e] = set
			r.index(e.source, e)
			r.index(e.target, e)
		}
		set[owner] = struct{}{}
	}
}

// Remove drops every edge contributed by owner.
func (r *Resolver) Remove(owner string) {
	r.mu.Lock()
	r.release(owner)
	r.mu.Unlock()
}

func (r *Resolver) release(owner string) {
	for _, e := range r.owned[owner] {
		set := r.owners[e]
		delete(set, owner)
		if len(set) > 0 {
			continue
		}
		delete(r.owners, e)
		r.unindex(e.source, e)
		r.unindex(e.target, e)
	}
	delete(r.owned, owner)
}

func (r *Resolver) index(id string, e edge) {
	set, ok := r.adj[id]
	if !ok {
		set = make(map[edge]struct{})
		r.adj[id] = set
	}
	set[e] = struct{}{}
}

func (r *Resolver) unindex(id string, e edge) {
	set := r.adj[id]
	delete(set, e)
	if len(set) == 0 {
		delete(r.adj, id)
	}
}

// RelatedTo lists the relations of id sorted by type, direction and issue.
// A related issue the lookup does not know is reported unresolved.
func (r *Resolver) RelatedTo(id string, known Lookup) []Relation {
	r.mu.RLock()
	out := make([]Relation, 0, len(r.adj[id]))
	for e := range r.adj[id] {
		rel := Relation{IssueID: e.target, Type: e.typ, Direction: domain.Outward}
		if e.target == id {
			rel.IssueID = e.source
			rel.Direction = domain.Inward
		}
		out = append(out, rel)
	}
	r.mu.RUnlock()
	for i := range out {
		out[i].Resolved = known != nil && known.Contains(out[i].IssueID)
	}
	slices.SortFunc(out, func(a, b Relation) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Direction, b.Direction),
			cmp.Compare(a.IssueID, b.IssueID),
		)
	})
	return out
}

// Neighbours returns the ids linked to id in either direction, ascending.
func (r *Resolver) Neighbours(id string) []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.adj[id]))
	for e := range r.adj[id] {
		if e.source == id {
			seen[e.target] = struct{}{}
		} else {
			seen[e.source] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// edgeCount returns the number of distinct edges.
func (r *Resolver) edgeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
