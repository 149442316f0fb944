package projector

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/source"
)

// Field names requested from the tracker for every board.
var baseFields = []string{
	"status", "project", "assignee", "summary", "issuetype", "priority",
	"components", "labels", "fixVersions", "comment", "issuelinks",
}

// searchFields lists the tracker fields a board needs: the base set, its rank
// field and the fields behind its custom field mappings.
func searchFields(cfg *domain.Config) []string {
	fields := slices.Clone(baseFields)
	fields = append(fields, cfg.RankField())
	for _, m := range cfg.CustomFields() {
		fields = append(fields, m.Field)
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}

func query(cfg *domain.Config) source.Query {
	return source.Query{
		Board:    cfg.Key(),
		JQL:      cfg.Query(),
		Projects: cfg.Projects(),
		Fields:   searchFields(cfg),
	}
}

// Normalize converts a raw tracker record into an issue. Links embedded in
// the record are kept; a configured link source replaces them later.
func Normalize(raw source.RawIssue, cfg *domain.Config) (domain.Issue, error) {
	f := raw.Fields
	issue := domain.Issue{
		ID:           strings.TrimSpace(raw.Key),
		Project:      nested(f["project"], "key"),
		State:        nested(f["status"], "name"),
		Rank:         text(f[cfg.RankField()]),
		Assignee:     nested(f["assignee"], "name"),
		Summary:      text(f["summary"]),
		Type:         nested(f["issuetype"], "name"),
		Priority:     nested(f["priority"], "name"),
		Components:   names(f["components"]),
		Labels:       names(f["labels"]),
		FixVersions:  names(f["fixVersions"]),
		CommentCount: count(f["comment"]),
	}
	if err := issue.Validate(); err != nil {
		return domain.Issue{}, err
	}
	if issue.Project == "" {
		if p, _, ok := strings.Cut(issue.ID, "-"); ok {
			issue.Project = p
		}
	}
	for _, m := range cfg.CustomFields() {
		if v := customValue(f[m.Field]); v != "" {
			if issue.CustomFields == nil {
				issue.CustomFields = make(map[string]string)
			}
			issue.CustomFields[m.Name] = v
		}
	}
	issue.Links = embeddedLinks(issue.ID, f["issuelinks"])
	return issue, nil
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func nested(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return text(m[key])
}

// customValue accepts the shapes custom fields come in: a plain value, an
// option object with value or name, or a list whose first entry is used.
func customValue(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if s := text(t["value"]); s != "" {
			return s
		}
		return text(t["name"])
	case []any:
		if len(t) == 0 {
			return ""
		}
		return customValue(t[0])
	default:
		return text(t)
	}
}

func names(v any) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if m, ok := item.(map[string]any); ok {
			s = text(m["name"])
		} else {
			s = text(item)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func count(v any) int {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	switch n := m["total"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func embeddedLinks(key string, v any) []domain.LinkRecord {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []domain.LinkRecord
	for _, item := range list {
		l, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ := nested(l["type"], "name")
		if target := nested(l["outwardIssue"], "key"); target != "" {
			out = append(out, domain.LinkRecord{Source: key, Target: target, Type: typ})
		} else if src := nested(l["inwardIssue"], "key"); src != "" {
			out = append(out, domain.LinkRecord{Source: src, Target: key, Type: typ})
		}
	}
	return out
}
