package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBoardNotFound  = errors.New("board not found")
	ErrConfigNotFound = errors.New("board configuration not found")
	ErrIssueNotFound  = errors.New("issue not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidIssue   = errors.New("invalid issue")

	// ErrStaleFetch is returned when the board configuration changed while a
	// fetch was in flight. The fetched data is discarded.
	ErrStaleFetch = errors.New("board configuration changed during fetch")
)

// ConfigurationError reports a malformed or missing board definition. It is
// fatal for that board only.
type ConfigurationError struct {
	Board  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "board " + e.Board + ": invalid configuration: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(board, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Board: board, Reason: fmt.Sprintf(format, args...)}
}

// FetchError wraps a failure of an external collaborator. The caller retries
// with backoff while the last good snapshot keeps being served.
type FetchError struct {
	Board string
	Op    string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("board %s: fetch failed (%s): %v", e.Board, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether retrying could succeed. Cancellation is final.
func (e *FetchError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// DataInconsistencyError describes upstream data that can only be ordered by
// falling back to the identifier tie-break, such as duplicate ranks.
type DataInconsistencyError struct {
	Bucket string
	Rank   string
	IDs    []string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("bucket %s: duplicate rank %q for issues %s", e.Bucket, e.Rank, strings.Join(e.IDs, ","))
}

// UnmappedStateWarning records an issue whose state maps to no column.
type UnmappedStateWarning struct {
	Issue string
	State string
}

func (w UnmappedStateWarning) Error() string {
	return fmt.Sprintf("issue %s: state %q is not mapped to a column", w.Issue, w.State)
}
