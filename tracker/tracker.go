// Package tracker computes what changed between two registry versions.
package tracker

import (
	"slices"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/registry"
)

// Journal is the part of the registry the tracker reads.
type Journal interface {
	Changes(since, upTo uint64) ([]registry.Change, error)
}

// Transition is the state of one issue at the two ends of a diff.
type Transition struct {
	Before *domain.Issue
	After  *domain.Issue
}

// ChangeSet enumerates board relevant changes between two registry versions.
// Moved issues changed state, rank or swimlane; Updated issues changed only
// fields shown on the card. Relinked issues did not change themselves but
// gained or lost a link from a changed issue.
type ChangeSet struct {
	FromVersion uint64   `json:"fromVersion"`
	ToVersion   uint64   `json:"toVersion"`
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Moved       []string `json:"moved"`
	Updated     []string `json:"updated"`
	Relinked    []string `json:"relinked,omitempty"`

	transitions map[string]Transition
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Moved) == 0 && len(c.Updated) == 0 && len(c.Relinked) == 0
}

// Transition returns the before and after state of an issue that is part of
// the change set.
func (c ChangeSet) Transition(id string) (Transition, bool) {
	t, ok := c.transitions[id]
	return t, ok
}

// Changed returns every added, removed, moved and updated id, ascending.
func (c ChangeSet) Changed() []string {
	out := make([]string, 0, len(c.Added)+len(c.Removed)+len(c.Moved)+len(c.Updated))
	out = append(out, c.Added...)
	out = append(out, c.Removed...)
	out = append(out, c.Moved...)
	out = append(out, c.Updated...)
	slices.Sort(out)
	return out
}

// Diff compares the registry at version from against version to. The
// swimlane strategy decides which custom field counts as a move.
func Diff(j Journal, from, to uint64, lanes domain.SwimlaneStrategy) (ChangeSet, error) {
	cs := ChangeSet{FromVersion: from, ToVersion: to, transitions: map[string]Transition{}}
	if to <= from {
		return cs, nil
	}
	changes, err := j.Changes(from, to)
	if err != nil {
		return cs, err
	}

	first := make(map[string]*domain.Issue)
	last := make(map[string]*domain.Issue)
	var order []string
	for _, c := range changes {
		if _, seen := first[c.ID]; !seen {
			first[c.ID] = c.Before
			order = append(order, c.ID)
		}
		last[c.ID] = c.After
	}

	relinked := make(map[string]struct{})
	for _, id := range order {
		before, after := first[id], last[id]
		switch {
		case before == nil && after == nil:
			continue
		case before == nil:
			cs.Added = append(cs.Added, id)
			linkEnds(relinked, id, after.Links)
		case after == nil:
			cs.Removed = append(cs.Removed, id)
			linkEnds(relinked, id, before.Links)
		case Moved(*before, *after, lanes):
			cs.Moved = append(cs.Moved, id)
			if !slices.Equal(before.Links, after.Links) {
				linkEnds(relinked, id, before.Links)
				linkEnds(relinked, id, after.Links)
			}
		case Updated(*before, *after):
			cs.Updated = append(cs.Updated, id)
			if !slices.Equal(before.Links, after.Links) {
				linkEnds(relinked, id, before.Links)
				linkEnds(relinked, id, after.Links)
			}
		default:
			continue
		}
		cs.transitions[id] = Transition{Before: before, After: after}
	}

	for id := range cs.transitions {
		delete(relinked, id)
	}
	for id := range relinked {
		cs.Relinked = append(cs.Relinked, id)
	}
	slices.Sort(cs.Added)
	slices.Sort(cs.Removed)
	slices.Sort(cs.Moved)
	slices.Sort(cs.Updated)
	slices.Sort(cs.Relinked)
	return cs, nil
}

func linkEnds(dst map[string]struct{}, self string, records []domain.LinkRecord) {
	for _, l := range records {
		if l.Source != self {
			dst[l.Source] = struct{}{}
		}
		if l.Target != self {
			dst[l.Target] = struct{}{}
		}
	}
}

// Moved reports a change of any field that places an issue on the board.
func Moved(before, after domain.Issue, lanes domain.SwimlaneStrategy) bool {
	return before.State != after.State ||
		before.Rank != after.Rank ||
		lanes.Key(before) != lanes.Key(after)
}

// Updated reports a change of any field shown on the card. Comment counts
// are not shown and never count.
func Updated(before, after domain.Issue) bool {
	if before.Project != after.Project ||
		before.Assignee != after.Assignee ||
		before.Summary != after.Summary ||
		before.Type != after.Type ||
		before.Priority != after.Priority {
		return true
	}
	if !slices.Equal(before.Components, after.Components) ||
		!slices.Equal(before.Labels, after.Labels) ||
		!slices.Equal(before.FixVersions, after.FixVersions) ||
		!slices.Equal(before.Links, after.Links) {
		return true
	}
	if len(before.CustomFields) != len(after.CustomFields) {
		return true
	}
	for k, v := range before.CustomFields {
		if w, ok := after.CustomFields[k]; !ok || w != v {
			return true
		}
	}
	return false
}
