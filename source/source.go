// Package source defines the external collaborators a board projection
// reads from: issue search, link lookup, the user directory and the board
// definition store.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pksingh99/jirban-jira/domain"
)

// ErrPageLimit is returned when a search needs more pages than allowed. A
// truncated result is never treated as the complete issue population.
var ErrPageLimit = errors.New("search exceeded page limit")

// RawIssue is an issue record as returned by the tracker. Fields holds the
// decoded JSON field map.
type RawIssue struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type Query struct {
	Board    string
	JQL      string
	Projects []string
	Fields   []string
}

// Expression returns the query text, deriving one from the project scope
// when no explicit query is configured.
func (q Query) Expression() string {
	if q.JQL != "" {
		return q.JQL
	}
	if len(q.Projects) == 0 {
		return "ORDER BY Rank ASC"
	}
	quoted := make([]string, len(q.Projects))
	for i, p := range q.Projects {
		quoted[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
	}
	return "project in (" + strings.Join(quoted, ",") + ") ORDER BY Rank ASC"
}

type Page struct {
	StartAt    int
	MaxResults int
}

type SearchPage struct {
	Issues  []RawIssue
	StartAt int
	Total   int
}

type Searcher interface {
	Search(ctx context.Context, q Query, page Page) (SearchPage, error)
}

type LinkSource interface {
	LinksFor(ctx context.Context, issueID string) ([]domain.LinkRecord, error)
}

// Directory resolves user display metadata. Unknown users yield
// domain.ErrUserNotFound.
type Directory interface {
	ResolveUser(ctx context.Context, username string) (domain.User, error)
}

// ConfigStore persists board definitions. Load returns
// domain.ErrConfigNotFound for unknown boards.
type ConfigStore interface {
	Load(ctx context.Context, boardKey string) (domain.BoardDefinition, error)
	Save(ctx context.Context, boardKey string, def domain.BoardDefinition) error
}

// SearchAll pages through a search until every match is read. It fails with
// ErrPageLimit rather than return a partial population.
func SearchAll(ctx context.Context, s Searcher, q Query, pageSize, maxPages int) ([]RawIssue, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPages <= 0 {
		maxPages = 1
	}
	var out []RawIssue
	start := 0
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("%w: %d pages of %d", ErrPageLimit, maxPages, pageSize)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.Search(ctx, q, Page{StartAt: start, MaxResults: pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Issues...)
		start += len(res.Issues)
		if len(res.Issues) == 0 || start >= res.Total {
			return out, nil
		}
	}
}
