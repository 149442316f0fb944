package board

import (
	"time"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/links"
	"github.com/pksingh99/jirban-jira/rank"
)

// Assignee is the display form of an issue assignee.
type Assignee struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// IssueSummary holds the denormalized fields needed to render a card.
type IssueSummary struct {
	ID           string            `json:"id"`
	Project      string            `json:"project"`
	State        string            `json:"state"`
	Rank         string            `json:"rank"`
	Summary      string            `json:"summary,omitempty"`
	Type         string            `json:"type,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Assignee     *Assignee         `json:"assignee,omitempty"`
	Components   []string          `json:"components,omitempty"`
	Labels       []string          `json:"labels,omitempty"`
	FixVersions  []string          `json:"fixVersions,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	Links        []links.Relation  `json:"links,omitempty"`
}

func (s IssueSummary) RankKey() rank.Key { return rank.Key{Rank: s.Rank, ID: s.ID} }

// Bucket is one (column, swimlane) cell. Issues are in rank order.
type Bucket struct {
	Column   int            `json:"column"`
	Swimlane string         `json:"swimlane"`
	Issues   []IssueSummary `json:"issues"`
}

type Swimlane struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Buckets []*Bucket `json:"buckets"`
}

type ColumnHeader struct {
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Header string `json:"header,omitempty"`
	Total  int    `json:"total"`
}

// Snapshot is an immutable view of a board. Nothing reachable from a
// published snapshot is modified; a newer snapshot may share unchanged
// swimlanes and buckets with an older one.
type Snapshot struct {
	ID              string         `json:"id"`
	Board           string         `json:"board"`
	Name            string         `json:"name,omitempty"`
	ConfigVersion   uint64         `json:"configVersion"`
	RegistryVersion uint64         `json:"registryVersion"`
	BuiltAt         time.Time      `json:"builtAt"`
	Columns         []ColumnHeader `json:"columns"`
	Swimlanes       []*Swimlane    `json:"swimlanes"`
	Orphans         []IssueSummary `json:"orphans"`
}

// Lane returns the swimlane with the given key.
func (s *Snapshot) Lane(key string) (*Swimlane, bool) {
	for _, l := range s.Swimlanes {
		if l.Key == key {
			return l, true
		}
	}
	return nil, false
}

// Bucket returns the bucket at (column, swimlane).
func (s *Snapshot) Bucket(column int, lane string) (*Bucket, bool) {
	l, ok := s.Lane(lane)
	if !ok || column < 0 || column >= len(l.Buckets) {
		return nil, false
	}
	return l.Buckets[column], true
}

// Locate finds the bucket holding an issue.
func (s *Snapshot) Locate(id string) (*Bucket, int, bool) {
	for _, l := range s.Swimlanes {
		for _, b := range l.Buckets {
			for i := range b.Issues {
				if b.Issues[i].ID == id {
					return b, i, true
				}
			}
		}
	}
	return nil, 0, false
}

// Issue returns the summary of an issue placed on the board or in orphans.
func (s *Snapshot) Issue(id string) (IssueSummary, bool) {
	if b, i, ok := s.Locate(id); ok {
		return b.Issues[i], true
	}
	for _, o := range s.Orphans {
		if o.ID == id {
			return o, true
		}
	}
	return IssueSummary{}, false
}

// Len counts issues placed in buckets.
func (s *Snapshot) Len() int {
	n := 0
	for _, c := range s.Columns {
		n += c.Total
	}
	return n
}

func laneName(key string) string {
	if key == domain.NoneKey {
		return "None"
	}
	return key
}

func newLane(key string, columns int) *Swimlane {
	l := &Swimlane{Key: key, Name: laneName(key), Buckets: make([]*Bucket, columns)}
	for c := range l.Buckets {
		l.Buckets[c] = &Bucket{Column: c, Swimlane: key, Issues: []IssueSummary{}}
	}
	return l
}

func columnHeaders(cfg *domain.Config, lanes []*Swimlane) []ColumnHeader {
	cols := cfg.Columns()
	out := make([]ColumnHeader, len(cols))
	for i, c := range cols {
		out[i] = ColumnHeader{Name: c.Name, Index: i, Header: c.Header}
	}
	for _, l := range lanes {
		for c, b := range l.Buckets {
			out[c].Total += len(b.Issues)
		}
	}
	return out
}
