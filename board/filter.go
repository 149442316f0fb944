package board

import (
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/pksingh99/jirban-jira/domain"
)

const customFieldPrefix = "cf."

// Filter narrows a snapshot down to matching issues. Dimensions are ANDed;
// an empty dimension matches everything. domain.NoneKey selects issues with
// no value for optional dimensions.
type Filter struct {
	Project      []string
	Priority     []string
	IssueType    []string
	Assignee     []string
	Component    []string
	Label        []string
	FixVersion   []string
	CustomFields map[string][]string
}

// ParseFilter reads a filter from query parameters. Values are comma
// separated, so project=A,B and project=A&project=B are equivalent.
func ParseFilter(q url.Values) Filter {
	f := Filter{
		Project:    splitValues(q["project"]),
		Priority:   splitValues(q["priority"]),
		IssueType:  splitValues(q["issue-type"]),
		Assignee:   splitValues(q["assignee"]),
		Component:  splitValues(q["component"]),
		Label:      splitValues(q["label"]),
		FixVersion: splitValues(q["fix-version"]),
	}
	for k, vs := range q {
		name, ok := strings.CutPrefix(k, customFieldPrefix)
		if !ok || name == "" {
			continue
		}
		if vals := splitValues(vs); len(vals) > 0 {
			if f.CustomFields == nil {
				f.CustomFields = make(map[string][]string)
			}
			f.CustomFields[name] = vals
		}
	}
	return f
}

func splitValues(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, v := range strings.Split(r, ",") {
			if v = strings.TrimSpace(v); v != "" && !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// Encode renders the filter as a query string ParseFilter reads back.
func (f Filter) Encode() string {
	q := url.Values{}
	set := func(k string, vs []string) {
		if len(vs) > 0 {
			q.Set(k, strings.Join(vs, ","))
		}
	}
	set("project", f.Project)
	set("priority", f.Priority)
	set("issue-type", f.IssueType)
	set("assignee", f.Assignee)
	set("component", f.Component)
	set("label", f.Label)
	set("fix-version", f.FixVersion)
	for name, vs := range f.CustomFields {
		set(customFieldPrefix+name, vs)
	}
	return q.Encode()
}

func (f Filter) IsEmpty() bool {
	if len(f.Project)+len(f.Priority)+len(f.IssueType)+len(f.Assignee)+
		len(f.Component)+len(f.Label)+len(f.FixVersion) > 0 {
		return false
	}
	for _, vs := range f.CustomFields {
		if len(vs) > 0 {
			return false
		}
	}
	return true
}

// Match reports whether an issue passes every dimension.
func (f Filter) Match(s IssueSummary) bool {
	assignee := ""
	if s.Assignee != nil {
		assignee = s.Assignee.Name
	}
	if !matchSingle(f.Project, s.Project) ||
		!matchSingle(f.Priority, s.Priority) ||
		!matchSingle(f.IssueType, s.Type) ||
		!matchSingle(f.Assignee, assignee) ||
		!matchMulti(f.Component, s.Components) ||
		!matchMulti(f.Label, s.Labels) ||
		!matchMulti(f.FixVersion, s.FixVersions) {
		return false
	}
	for name, vs := range f.CustomFields {
		if !matchSingle(vs, s.CustomFields[name]) {
			return false
		}
	}
	return true
}

func matchSingle(selected []string, value string) bool {
	if len(selected) == 0 {
		return true
	}
	if value == "" {
		return slices.Contains(selected, domain.NoneKey)
	}
	return slices.Contains(selected, value)
}

func matchMulti(selected, values []string) bool {
	if len(selected) == 0 {
		return true
	}
	if len(values) == 0 {
		return slices.Contains(selected, domain.NoneKey)
	}
	if len(selected) == 1 && selected[0] == domain.NoneKey {
		return false
	}
	for _, v := range values {
		if slices.Contains(selected, v) {
			return true
		}
	}
	return false
}

// Filter returns a view of the snapshot holding only matching issues, with
// column totals recounted. Buckets left unchanged are shared.
func (s *Snapshot) Filter(f Filter) *Snapshot {
	if f.IsEmpty() {
		return s
	}
	out := *s
	out.Swimlanes = make([]*Swimlane, len(s.Swimlanes))
	for i, l := range s.Swimlanes {
		nl := &Swimlane{Key: l.Key, Name: l.Name, Buckets: make([]*Bucket, len(l.Buckets))}
		for c, b := range l.Buckets {
			kept := filterSummaries(b.Issues, f)
			if len(kept) == len(b.Issues) {
				nl.Buckets[c] = b
				continue
			}
			nl.Buckets[c] = &Bucket{Column: b.Column, Swimlane: b.Swimlane, Issues: kept}
		}
		out.Swimlanes[i] = nl
	}
	out.Orphans = filterSummaries(s.Orphans, f)
	out.Columns = slices.Clone(s.Columns)
	for c := range out.Columns {
		out.Columns[c].Total = 0
	}
	for _, l := range out.Swimlanes {
		for c, b := range l.Buckets {
			out.Columns[c].Total += len(b.Issues)
		}
	}
	return &out
}

func filterSummaries(in []IssueSummary, f Filter) []IssueSummary {
	out := make([]IssueSummary, 0, len(in))
	for _, s := range in {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}

// Values lists the distinct values present on the board for each filter
// dimension, ascending. It feeds filter pickers.
func (s *Snapshot) Values() map[string][]string {
	seen := map[string]map[string]struct{}{}
	add := func(dim, v string) {
		if v == "" {
			return
		}
		m, ok := seen[dim]
		if !ok {
			m = map[string]struct{}{}
			seen[dim] = m
		}
		m[v] = struct{}{}
	}
	visit := func(is IssueSummary) {
		add("project", is.Project)
		add("priority", is.Priority)
		add("issue-type", is.Type)
		if is.Assignee != nil {
			add("assignee", is.Assignee.Name)
		}
		for _, v := range is.Components {
			add("component", v)
		}
		for _, v := range is.Labels {
			add("label", v)
		}
		for _, v := range is.FixVersions {
			add("fix-version", v)
		}
		for k, v := range is.CustomFields {
			add(customFieldPrefix+k, v)
		}
	}
	for _, l := range s.Swimlanes {
		for _, b := range l.Buckets {
			for _, is := range b.Issues {
				visit(is)
			}
		}
	}
	for _, is := range s.Orphans {
		visit(is)
	}
	out := make(map[string][]string, len(seen))
	for dim, m := range seen {
		vals := make([]string, 0, len(m))
		for v := range m {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		out[dim] = vals
	}
	return out
}
