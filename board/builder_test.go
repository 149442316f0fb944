package board

import (
	"context"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/links"
	"github.com/pksingh99/jirban-jira/registry"
	"github.com/pksingh99/jirban-jira/tracker"
)

func threeColumns(t *testing.T, lanes domain.SwimlaneDefinition, extra ...domain.CustomFieldMapping) *domain.Config {
	t.Helper()
	cfg, err := domain.NewConfig(domain.BoardDefinition{
		Key:      "TDP",
		Projects: []string{"TDP", "TBG"},
		Columns: []domain.ColumnDefinition{
			{Name: "To Do", States: []string{"Open"}},
			{Name: "In Progress", States: []string{"In Progress"}},
			{Name: "Done", States: []string{"Closed"}},
		},
		Swimlane:     lanes,
		CustomFields: extra,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

type fixture struct {
	t      *testing.T
	reg    *registry.Registry
	links  *links.Resolver
	users  fakeUsers
	cfg    *domain.Config
	cfgVer uint64
}

type fakeUsers map[string]domain.User

func (f fakeUsers) User(name string) (domain.User, bool) {
	u, ok := f[name]
	return u, ok
}

func newFixture(t *testing.T, cfg *domain.Config) *fixture {
	return &fixture{t: t, reg: registry.New(), links: links.NewResolver(), users: fakeUsers{}, cfg: cfg, cfgVer: 1}
}

func (f *fixture) input() Input {
	return Input{Config: f.cfg, ConfigVersion: f.cfgVer, Issues: f.reg, Links: f.links, Users: f.users, Parallelism: 2}
}

func (f *fixture) upsert(issues ...domain.Issue) {
	f.t.Helper()
	for _, i := range issues {
		if _, err := f.reg.Upsert(i); err != nil {
			f.t.Fatalf("upsert %s: %v", i.ID, err)
		}
		f.links.Apply(i.ID, i.Links)
	}
}

func (f *fixture) remove(id string) {
	f.reg.Remove(id)
	f.links.Remove(id)
}

func (f *fixture) build() *Snapshot {
	f.t.Helper()
	snap, err := Build(context.Background(), f.input())
	if err != nil {
		f.t.Fatalf("build: %v", err)
	}
	return snap
}

// step applies the registry changes since prev incrementally and checks the
// result against a full rebuild.
func (f *fixture) step(prev *Snapshot) (*Snapshot, *Delta) {
	f.t.Helper()
	cs, err := tracker.Diff(f.reg, prev.RegistryVersion, f.reg.Version(), f.cfg.Swimlane())
	if err != nil {
		f.t.Fatalf("diff: %v", err)
	}
	snap, delta, err := ApplyDelta(context.Background(), prev, f.input(), cs)
	if err != nil {
		f.t.Fatalf("apply delta: %v", err)
	}
	assertSameBoard(f.t, snap, f.build())
	return snap, delta
}

func assertSameBoard(t *testing.T, got, want *Snapshot) {
	t.Helper()
	opts := cmp.Options{cmpopts.EquateEmpty()}
	if diff := cmp.Diff(want.Swimlanes, got.Swimlanes, opts); diff != "" {
		t.Fatalf("swimlanes differ from full build (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Orphans, got.Orphans, opts); diff != "" {
		t.Fatalf("orphans differ from full build (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Columns, got.Columns, opts); diff != "" {
		t.Fatalf("columns differ from full build (-want +got):\n%s", diff)
	}
}

func bucketIDs(t *testing.T, s *Snapshot, col int, lane string) []string {
	t.Helper()
	b, ok := s.Bucket(col, lane)
	if !ok {
		t.Fatalf("no bucket (%d, %q)", col, lane)
	}
	ids := make([]string, len(b.Issues))
	for i, is := range b.Issues {
		ids[i] = is.ID
	}
	return ids
}

func TestBuildAndRankUpdateExample(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(
		domain.Issue{ID: "A", Project: "TDP", Rank: "0001", State: "Open"},
		domain.Issue{ID: "B", Project: "TDP", Rank: "0002", State: "Open"},
		domain.Issue{ID: "C", Project: "TDP", Rank: "0000", State: "Closed"},
	)
	snap := f.build()
	if got := bucketIDs(t, snap, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("To Do = %v", got)
	}
	if got := bucketIDs(t, snap, 2, domain.SingleLaneKey); !slices.Equal(got, []string{"C"}) {
		t.Fatalf("Done = %v", got)
	}
	if snap.Columns[0].Total != 2 || snap.Columns[1].Total != 0 || snap.Columns[2].Total != 1 {
		t.Fatalf("unexpected totals %#v", snap.Columns)
	}

	f.upsert(domain.Issue{ID: "A", Project: "TDP", Rank: "0003", State: "Open"})
	next, delta := f.step(snap)
	if got := bucketIDs(t, next, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"B", "A"}) {
		t.Fatalf("To Do after rank change = %v", got)
	}
	if len(delta.Buckets) != 1 || delta.Buckets[0].Column != 0 {
		t.Fatalf("only To Do should change: %#v", delta.Buckets)
	}
	if prevDone, _ := snap.Bucket(2, domain.SingleLaneKey); prevDone != mustBucket(t, next, 2, domain.SingleLaneKey) {
		t.Fatalf("untouched bucket should be shared by reference")
	}
	if got := bucketIDs(t, snap, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("previous snapshot was mutated: %v", got)
	}
}

func mustBucket(t *testing.T, s *Snapshot, col int, lane string) *Bucket {
	t.Helper()
	b, ok := s.Bucket(col, lane)
	if !ok {
		t.Fatalf("no bucket (%d, %q)", col, lane)
	}
	return b
}

func TestOrphanMovesAfterConfigUpdate(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(
		domain.Issue{ID: "A", Rank: "1", State: "Open"},
		domain.Issue{ID: "D", Rank: "0", State: "Backlog"},
	)
	snap := f.build()
	if len(snap.Orphans) != 1 || snap.Orphans[0].ID != "D" {
		t.Fatalf("D should be an orphan: %#v", snap.Orphans)
	}
	if _, _, ok := snap.Locate("D"); ok {
		t.Fatalf("orphan must not be in a bucket")
	}

	def := f.cfg.Definition()
	def.Columns[0].States = append(def.Columns[0].States, "Backlog")
	cfg, err := domain.NewConfig(def)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	f.cfg, f.cfgVer = cfg, 2

	next, delta, err := ApplyDelta(context.Background(), snap, f.input(), tracker.ChangeSet{FromVersion: snap.RegistryVersion, ToVersion: f.reg.Version()})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !delta.Full {
		t.Fatalf("config change must rebuild")
	}
	if got := bucketIDs(t, next, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"D", "A"}) {
		t.Fatalf("To Do = %v", got)
	}
	if len(next.Orphans) != 0 {
		t.Fatalf("no orphans expected: %#v", next.Orphans)
	}
}

func TestEveryMappedIssueAppearsOnce(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{Strategy: "project"}))
	states := []string{"Open", "In Progress", "Closed", "Backlog"}
	projects := []string{"TDP", "TBG", "OTHER"}
	for i := 0; i < 60; i++ {
		f.upsert(domain.Issue{
			ID:      "I-" + string(rune('A'+i%26)) + string(rune('a'+i/26)),
			Project: projects[i%3],
			State:   states[i%4],
			Rank:    string(rune('z' - i%20)),
		})
	}
	snap := f.build()
	seen := map[string]int{}
	for _, l := range snap.Swimlanes {
		for _, b := range l.Buckets {
			if !slices.IsSortedFunc(b.Issues, func(a, c IssueSummary) int {
				if a.Rank != c.Rank {
					if a.Rank < c.Rank {
						return -1
					}
					return 1
				}
				if a.ID < c.ID {
					return -1
				}
				return 1
			}) {
				t.Fatalf("bucket %s/%d not in rank order", l.Key, b.Column)
			}
			for _, is := range b.Issues {
				seen[is.ID]++
			}
		}
	}
	mapped := 0
	for issue := range f.reg.All() {
		if issue.State == "Backlog" {
			continue
		}
		mapped++
		if seen[issue.ID] != 1 {
			t.Fatalf("issue %s placed %d times", issue.ID, seen[issue.ID])
		}
	}
	if len(seen) != mapped || len(snap.Orphans) != 60-mapped {
		t.Fatalf("placed %d, mapped %d, orphans %d", len(seen), mapped, len(snap.Orphans))
	}
}

func TestSwimlaneOrdering(t *testing.T) {
	f := newFixture(t, threeColumns(t,
		domain.SwimlaneDefinition{Strategy: "custom-field", Field: "team"},
		domain.CustomFieldMapping{Name: "team", Field: "customfield_1", Values: []string{"web", "core"}},
	))
	f.upsert(
		domain.Issue{ID: "A", State: "Open", Rank: "1", CustomFields: map[string]string{"team": "ops"}},
		domain.Issue{ID: "B", State: "Open", Rank: "2"},
		domain.Issue{ID: "C", State: "Open", Rank: "3", CustomFields: map[string]string{"team": "core"}},
		domain.Issue{ID: "D", State: "Open", Rank: "4", CustomFields: map[string]string{"team": "data"}},
	)
	snap := f.build()
	got := laneKeys(snap.Swimlanes)
	want := []string{"web", "core", "data", "ops", domain.NoneKey}
	if !slices.Equal(got, want) {
		t.Fatalf("lanes = %v, want %v", got, want)
	}
	if snap.Swimlanes[4].Name != "None" {
		t.Fatalf("unassigned lane should be named None, got %q", snap.Swimlanes[4].Name)
	}

	// emptying a discovered lane drops it, configured lanes stay
	f.upsert(domain.Issue{ID: "D", State: "Open", Rank: "4", CustomFields: map[string]string{"team": "web"}})
	f.remove("B")
	next, _ := f.step(snap)
	if got := laneKeys(next.Swimlanes); !slices.Equal(got, []string{"web", "core", "ops"}) {
		t.Fatalf("lanes after move = %v", got)
	}
}

func TestAssigneeSwimlanesAndDisplay(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{Strategy: "assignee"}))
	f.users["kabir"] = domain.User{Name: "kabir", DisplayName: "Kabir Khan", AvatarURL: "http://x/k.png"}
	f.upsert(
		domain.Issue{ID: "A", State: "Open", Rank: "1", Assignee: "kabir"},
		domain.Issue{ID: "B", State: "Open", Rank: "2", Assignee: "ghost"},
		domain.Issue{ID: "C", State: "Open", Rank: "3"},
	)
	snap := f.build()
	if got := laneKeys(snap.Swimlanes); !slices.Equal(got, []string{"ghost", "kabir", domain.NoneKey}) {
		t.Fatalf("lanes = %v", got)
	}
	a, _ := snap.Issue("A")
	if a.Assignee == nil || a.Assignee.DisplayName != "Kabir Khan" {
		t.Fatalf("unexpected assignee %#v", a.Assignee)
	}
	b, _ := snap.Issue("B")
	if b.Assignee == nil || b.Assignee.DisplayName != "ghost" {
		t.Fatalf("unknown users fall back to the user name: %#v", b.Assignee)
	}

	f.upsert(domain.Issue{ID: "C", State: "Open", Rank: "3", Assignee: "kabir"})
	next, _ := f.step(snap)
	if got := bucketIDs(t, next, 0, "kabir"); !slices.Equal(got, []string{"A", "C"}) {
		t.Fatalf("kabir lane = %v", got)
	}
}

func TestDuplicateRanksBreakTiesByID(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(
		domain.Issue{ID: "B", State: "Open", Rank: "5"},
		domain.Issue{ID: "A", State: "Open", Rank: "5"},
		domain.Issue{ID: "C", State: "Open", Rank: "1"},
	)
	snap := f.build()
	if got := bucketIDs(t, snap, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"C", "A", "B"}) {
		t.Fatalf("To Do = %v", got)
	}
	f.upsert(domain.Issue{ID: "D", State: "Open", Rank: "5"})
	next, _ := f.step(snap)
	if got := bucketIDs(t, next, 0, domain.SingleLaneKey); !slices.Equal(got, []string{"C", "A", "B", "D"}) {
		t.Fatalf("To Do = %v", got)
	}
}

func TestRemovedLinkTargetBecomesUnresolved(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	link := domain.LinkRecord{Source: "A", Target: "B", Type: "blocks"}
	f.upsert(
		domain.Issue{ID: "A", State: "Open", Rank: "1", Links: []domain.LinkRecord{link}},
		domain.Issue{ID: "B", State: "In Progress", Rank: "2"},
	)
	snap := f.build()
	a, _ := snap.Issue("A")
	if len(a.Links) != 1 || !a.Links[0].Resolved {
		t.Fatalf("expected resolved link: %#v", a.Links)
	}
	b, _ := snap.Issue("B")
	if len(b.Links) != 1 || b.Links[0].Direction != domain.Inward {
		t.Fatalf("B should see the inward link: %#v", b.Links)
	}

	f.remove("B")
	next, _ := f.step(snap)
	if _, ok := next.Issue("B"); ok {
		t.Fatalf("B must be gone")
	}
	a, _ = next.Issue("A")
	if len(a.Links) != 1 || a.Links[0].IssueID != "B" || a.Links[0].Resolved {
		t.Fatalf("link to removed issue should be unresolved: %#v", a.Links)
	}
	if rel := f.links.RelatedTo("A", f.reg); len(rel) != 1 || rel[0].Resolved {
		t.Fatalf("resolver should report B unresolved: %#v", rel)
	}

	// bringing B back resolves the link again
	f.upsert(domain.Issue{ID: "B", State: "Closed", Rank: "2"})
	next, _ = f.step(next)
	a, _ = next.Issue("A")
	if !a.Links[0].Resolved {
		t.Fatalf("link should resolve again: %#v", a.Links)
	}
}

func TestLinkChangeRefreshesTarget(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(
		domain.Issue{ID: "A", State: "Open", Rank: "1"},
		domain.Issue{ID: "B", State: "Backlog", Rank: "2"},
	)
	snap := f.build()
	f.upsert(domain.Issue{ID: "A", State: "Open", Rank: "1", Links: []domain.LinkRecord{{Source: "A", Target: "B", Type: "relates"}}})
	next, delta := f.step(snap)
	if !delta.OrphansChanged {
		t.Fatalf("orphan B gained a link and should be republished")
	}
	b, _ := next.Issue("B")
	if len(b.Links) != 1 {
		t.Fatalf("B should see the new link: %#v", b.Links)
	}
}

func TestDisplayChangeDoesNotMove(t *testing.T) {
	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(
		domain.Issue{ID: "A", State: "Open", Rank: "1", Summary: "one"},
		domain.Issue{ID: "B", State: "Open", Rank: "2"},
	)
	snap := f.build()
	f.upsert(domain.Issue{ID: "A", State: "Open", Rank: "1", Summary: "uno", CommentCount: 4})
	next, delta := f.step(snap)
	if !slices.Equal(delta.Changes.Updated, []string{"A"}) || len(delta.Changes.Moved) != 0 {
		t.Fatalf("unexpected change set %#v", delta.Changes)
	}
	a, _ := next.Issue("A")
	if a.Summary != "uno" {
		t.Fatalf("summary not refreshed: %q", a.Summary)
	}

	f.upsert(domain.Issue{ID: "A", State: "Open", Rank: "1", Summary: "uno", CommentCount: 9})
	last, delta := f.step(next)
	if !delta.Empty() {
		t.Fatalf("comment churn must not change the board: %#v", delta)
	}
	if mustBucket(t, last, 0, domain.SingleLaneKey) != mustBucket(t, next, 0, domain.SingleLaneKey) {
		t.Fatalf("bucket should be reused")
	}
}

func TestBuildRejectsIncompleteInput(t *testing.T) {
	if _, err := Build(context.Background(), Input{}); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestOrphansWarnOnBothPaths(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	orphanWarnings := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Message == "issue routed to orphans" {
				if e.Level != log.WarnLevel {
					t.Fatalf("orphan logged at %v", e.Level)
				}
				n++
			}
		}
		return n
	}

	f := newFixture(t, threeColumns(t, domain.SwimlaneDefinition{}))
	f.upsert(domain.Issue{ID: "D", Project: "TDP", Rank: "1", State: "Backlog"})
	prev := f.build()
	if n := orphanWarnings(); n != 1 {
		t.Fatalf("full build: expected 1 orphan warning, got %d", n)
	}

	hook.Reset()
	f.upsert(domain.Issue{ID: "E", Project: "TDP", Rank: "2", State: "Backlog"})
	cs, err := tracker.Diff(f.reg, prev.RegistryVersion, f.reg.Version(), f.cfg.Swimlane())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if _, _, err := ApplyDelta(context.Background(), prev, f.input(), cs); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if n := orphanWarnings(); n != 1 {
		t.Fatalf("delta: expected 1 orphan warning, got %d", n)
	}
}
