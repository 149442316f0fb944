// Package registry holds the issue population visible to one board.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/pksingh99/jirban-jira/domain"
)

// ErrJournalCompacted is returned when changes are requested from a version
// the journal no longer covers.
var ErrJournalCompacted = errors.New("registry journal compacted past requested version")

// Change is one journal entry. Before is nil for an insert and After is nil
// for a removal. Both point at copies owned by the journal.
type Change struct {
	Version uint64
	ID      string
	Before  *domain.Issue
	After   *domain.Issue
}

// Registry is an in-memory index of issues keyed by identifier. Every
// mutation bumps a monotonic version and appends to a change journal that the
// change tracker reads.
type Registry struct {
	mu      sync.RWMutex
	issues  map[string]domain.Issue
	version uint64
	// journal holds changes with Version > base.
	journal []Change
	base    uint64
}

func New() *Registry {
	return &Registry{issues: make(map[string]domain.Issue)}
}

// Upsert inserts or replaces an issue and returns the new version.
func (r *Registry) Upsert(issue domain.Issue) (uint64, error) {
	if err := issue.Validate(); err != nil {
		return 0, err
	}
	issue = issue.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	var before *domain.Issue
	if prev, ok := r.issues[issue.ID]; ok {
		before = &prev
	}
	r.issues[issue.ID] = issue
	after := issue.Clone()
	r.version++
	r.journal = append(r.journal, Change{Version: r.version, ID: issue.ID, Before: before, After: &after})
	return r.version, nil
}

// Remove deletes an issue. It reports false, without bumping the version,
// when the issue was not present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.issues[id]
	if !ok {
		return false
	}
	delete(r.issues, id)
	r.version++
	r.journal = append(r.journal, Change{Version: r.version, ID: id, Before: &prev})
	return true
}

func (r *Registry) Get(id string) (domain.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	issue, ok := r.issues[id]
	if !ok {
		return domain.Issue{}, fmt.Errorf("%w: %s", domain.ErrIssueNotFound, id)
	}
	return issue.Clone(), nil
}

func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	_, ok := r.issues[id]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.issues)
}

func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// IDs returns the identifiers currently held, ascending.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.issues))
	for id := range r.issues {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// All returns a sequence over the issues present when All was called, in
// identifier order. The sequence can be ranged over more than once and does
// not observe later mutations.
func (r *Registry) All() iter.Seq[domain.Issue] {
	r.mu.RLock()
	items := make([]domain.Issue, 0, len(r.issues))
	for _, issue := range r.issues {
		items = append(items, issue)
	}
	r.mu.RUnlock()
	slices.SortFunc(items, func(a, b domain.Issue) int { return strings.Compare(a.ID, b.ID) })
	return func(yield func(domain.Issue) bool) {
		for _, issue := range items {
			if !yield(issue.Clone()) {
				return
			}
		}
	}
}

// Changes returns journal entries with since < Version <= upTo in version
// order.
func (r *Registry) Changes(since, upTo uint64) ([]Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if since < r.base {
		return nil, fmt.Errorf("%w: requested %d, oldest %d", ErrJournalCompacted, since, r.base)
	}
	var out []Change
	for _, c := range r.journal {
		if c.Version <= since {
			continue
		}
		if c.Version > upTo {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// Compact drops journal entries up to and including version upTo.
func (r *Registry) Compact(upTo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if upTo > r.version {
		upTo = r.version
	}
	if upTo <= r.base {
		return
	}
	i, _ := slices.BinarySearchFunc(r.journal, upTo+1, func(c Change, v uint64) int {
		switch {
		case c.Version < v:
			return -1
		case c.Version > v:
			return 1
		}
		return 0
	})
	r.journal = slices.Clone(r.journal[i:])
	r.base = upTo
}
