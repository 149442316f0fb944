package board

import (
	"fmt"

	"github.com/pksingh99/jirban-jira/domain"
)

// MoveCandidates lists the issues the given issue may be placed before in
// the named column: same swimlane and project, in bucket order, excluding
// the issue itself.
func (s *Snapshot) MoveCandidates(issueID, column string) ([]IssueSummary, error) {
	col := -1
	for _, c := range s.Columns {
		if c.Name == column {
			col = c.Index
			break
		}
	}
	if col < 0 {
		return nil, &domain.ConfigurationError{Board: s.Board, Reason: fmt.Sprintf("unknown column %q", column)}
	}
	from, i, ok := s.Locate(issueID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIssueNotFound, issueID)
	}
	issue := from.Issues[i]
	target, ok := s.Bucket(col, from.Swimlane)
	if !ok {
		return []IssueSummary{}, nil
	}
	out := make([]IssueSummary, 0, len(target.Issues))
	for _, candidate := range target.Issues {
		if candidate.ID == issueID || candidate.Project != issue.Project {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}
