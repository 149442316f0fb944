package domain

import (
	"fmt"
	"maps"
	"slices"
)

// NoneKey marks "no value" for optional issue attributes. It is used as the
// key of the unassigned swimlane and selects value-less issues in filters.
const NoneKey = "$n$o$n$e$"

// Issue is the normalized form of an externally tracked work item.
type Issue struct {
	ID           string            `json:"id"`
	Project      string            `json:"project"`
	State        string            `json:"state"`
	Rank         string            `json:"rank"`
	Assignee     string            `json:"assignee,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Type         string            `json:"type,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Components   []string          `json:"components,omitempty"`
	Labels       []string          `json:"labels,omitempty"`
	FixVersions  []string          `json:"fixVersions,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	Links        []LinkRecord      `json:"links,omitempty"`
	CommentCount int               `json:"commentCount,omitempty"`
}

// Validate rejects issues that cannot be indexed.
func (i Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing identifier", ErrInvalidIssue)
	}
	return nil
}

// Clone returns a deep copy so the registry never shares backing arrays
// with the caller.
func (i Issue) Clone() Issue {
	i.Components = slices.Clone(i.Components)
	i.Labels = slices.Clone(i.Labels)
	i.FixVersions = slices.Clone(i.FixVersions)
	i.Links = slices.Clone(i.Links)
	if i.CustomFields != nil {
		i.CustomFields = maps.Clone(i.CustomFields)
	}
	return i
}

// CustomField returns the value of a board custom field, if set.
func (i Issue) CustomField(name string) (string, bool) {
	v, ok := i.CustomFields[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// LinkRecord is a directed relationship between two issues as reported by
// the link source.
type LinkRecord struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Direction tells which end of a link an issue sits on.
type Direction uint8

const (
	Outward Direction = iota
	Inward
)

func (d Direction) String() string {
	if d == Inward {
		return "inward"
	}
	return "outward"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "outward", "":
		*d = Outward
	case "inward":
		*d = Inward
	default:
		return fmt.Errorf("unknown link direction %q", b)
	}
	return nil
}

// User is display metadata returned by the directory.
type User struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
