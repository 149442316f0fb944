package projector

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pksingh99/jirban-jira/board"
	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/source"
)

type fakeSearcher struct {
	mu      sync.Mutex
	issues  []source.RawIssue
	err     error
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeSearcher) set(issues ...source.RawIssue) {
	f.mu.Lock()
	f.issues = issues
	f.mu.Unlock()
}

func (f *fakeSearcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSearcher) Search(ctx context.Context, q source.Query, page source.Page) (source.SearchPage, error) {
	f.mu.Lock()
	f.calls++
	issues := slices.Clone(f.issues)
	err, gate, entered := f.err, f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return source.SearchPage{}, ctx.Err()
		}
	}
	if err != nil {
		return source.SearchPage{}, err
	}
	start := min(page.StartAt, len(issues))
	end := min(start+page.MaxResults, len(issues))
	return source.SearchPage{Issues: issues[start:end], StartAt: start, Total: len(issues)}, nil
}

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]domain.User
	calls int
}

func (f *fakeDirectory) ResolveUser(ctx context.Context, name string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.users[name]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, name)
	}
	return u, nil
}

type memConfigs struct {
	mu   sync.Mutex
	defs map[string]domain.BoardDefinition
}

func newMemConfigs(defs ...domain.BoardDefinition) *memConfigs {
	m := &memConfigs{defs: map[string]domain.BoardDefinition{}}
	for _, d := range defs {
		m.defs[d.Key] = d
	}
	return m
}

func (m *memConfigs) Load(ctx context.Context, key string) (domain.BoardDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[key]
	if !ok {
		return domain.BoardDefinition{}, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, key)
	}
	return d, nil
}

func (m *memConfigs) Save(ctx context.Context, key string, def domain.BoardDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[key] = def
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []*board.Delta
}

func (r *recordingSink) Publish(ctx context.Context, d *board.Delta) error {
	r.mu.Lock()
	r.deltas = append(r.deltas, d)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) all() []*board.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deltas)
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*board.Snapshot
}

func (m *memSnapshots) Store(ctx context.Context, s *board.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = map[string]*board.Snapshot{}
	}
	m.snaps[s.Board] = s
	return nil
}

func (m *memSnapshots) Load(ctx context.Context, key string) (*board.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[key]
	return s, ok
}

func (m *memSnapshots) Evict(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	return nil
}

func rawIssue(id, state, rank string, extra map[string]any) source.RawIssue {
	fields := map[string]any{
		"status":  map[string]any{"name": state},
		"project": map[string]any{"key": "TDP"},
		"rank":    rank,
		"summary": "Issue " + id,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return source.RawIssue{Key: id, Fields: fields}
}

func demoDefinition() domain.BoardDefinition {
	return domain.BoardDefinition{
		Key:  "TDP",
		Name: "Demo",
		Columns: []domain.ColumnDefinition{
			{Name: "To Do", States: []string{"Open"}},
			{Name: "In Progress", States: []string{"In Progress"}},
			{Name: "Done", States: []string{"Closed"}},
		},
	}
}

func bucketIDs(t interface{ Fatalf(string, ...any) }, snap *board.Snapshot, col int) []string {
	b, ok := snap.Bucket(col, domain.SingleLaneKey)
	if !ok {
		t.Fatalf("bucket %d missing", col)
	}
	ids := make([]string, len(b.Issues))
	for i, is := range b.Issues {
		ids[i] = is.ID
	}
	return ids
}
