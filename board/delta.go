package board

import (
	"context"
	"slices"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/rank"
	"github.com/pksingh99/jirban-jira/tracker"
)

// Delta describes how one snapshot differs from the previous one. Full is
// set when the board was rebuilt from scratch and clients should replace
// their state with the new snapshot.
type Delta struct {
	Board           string            `json:"board"`
	From            string            `json:"from,omitempty"`
	To              string            `json:"to"`
	RegistryVersion uint64            `json:"registryVersion"`
	Full            bool              `json:"full,omitempty"`
	Columns         []ColumnHeader    `json:"columns"`
	Swimlanes       []string          `json:"swimlanes"`
	Buckets         []BucketDelta     `json:"buckets,omitempty"`
	Orphans         []IssueSummary    `json:"orphans,omitempty"`
	OrphansChanged  bool              `json:"orphansChanged,omitempty"`
	Changes         tracker.ChangeSet `json:"changes"`
}

// BucketDelta carries the new content of a bucket that changed.
type BucketDelta struct {
	Swimlane string         `json:"swimlane"`
	Column   int            `json:"column"`
	Issues   []IssueSummary `json:"issues"`
}

func (d *Delta) Empty() bool {
	return !d.Full && len(d.Buckets) == 0 && !d.OrphansChanged
}

type bucketRef struct {
	lane   string
	column int
}

// deltaState tracks copy-on-write clones made while applying a change set.
// A bucket or lane is cloned the first time it is touched and mutated freely
// after that; everything untouched stays shared with the previous snapshot.
type deltaState struct {
	in      Input
	lanes   map[string]*Swimlane
	cloned  map[string]bool
	buckets map[bucketRef]*Bucket
	orphans []IssueSummary
	ownsOrp bool
}

func (d *deltaState) lane(key string) *Swimlane {
	l, ok := d.lanes[key]
	if !ok {
		l = newLane(key, d.in.Config.NumColumns())
		d.lanes[key] = l
		d.cloned[key] = true
		return l
	}
	if !d.cloned[key] {
		l = &Swimlane{Key: l.Key, Name: l.Name, Buckets: slices.Clone(l.Buckets)}
		d.lanes[key] = l
		d.cloned[key] = true
	}
	return l
}

func (d *deltaState) bucket(lane string, col int) *Bucket {
	ref := bucketRef{lane, col}
	if b, ok := d.buckets[ref]; ok {
		return b
	}
	l := d.lane(lane)
	old := l.Buckets[col]
	b := &Bucket{Column: col, Swimlane: lane, Issues: slices.Clone(old.Issues)}
	if b.Issues == nil {
		b.Issues = []IssueSummary{}
	}
	l.Buckets[col] = b
	d.buckets[ref] = b
	return b
}

func (d *deltaState) orphanList() *[]IssueSummary {
	if !d.ownsOrp {
		d.orphans = slices.Clone(d.orphans)
		if d.orphans == nil {
			d.orphans = []IssueSummary{}
		}
		d.ownsOrp = true
	}
	return &d.orphans
}

// remove takes an issue out of the place its former state put it.
func (d *deltaState) remove(issue domain.Issue) {
	key := rank.Key{Rank: issue.Rank, ID: issue.ID}
	cfg := d.in.Config
	col, mapped := cfg.ColumnFor(issue.State)
	if !mapped {
		list := d.orphanList()
		*list, _ = rank.Remove(*list, key)
		return
	}
	lane := cfg.Swimlane().Key(issue)
	if _, ok := d.lanes[lane]; !ok {
		return
	}
	b := d.bucket(lane, col)
	var ok bool
	if b.Issues, ok = rank.Remove(b.Issues, key); !ok {
		// The previous snapshot did not hold the issue where its former state
		// says it should be. Fall back to a scan so it is never duplicated.
		if i := slices.IndexFunc(b.Issues, func(s IssueSummary) bool { return s.ID == issue.ID }); i >= 0 {
			b.Issues = slices.Delete(b.Issues, i, i+1)
		}
	}
}

func (d *deltaState) insert(issue domain.Issue) {
	cfg := d.in.Config
	s := d.in.summarize(issue)
	col, mapped := cfg.ColumnFor(issue.State)
	if !mapped {
		log.WithField("board", cfg.Key()).
			WithError(domain.UnmappedStateWarning{Issue: issue.ID, State: issue.State}).
			Warn("issue routed to orphans")
		list := d.orphanList()
		*list = rank.Insert(*list, s)
		return
	}
	b := d.bucket(cfg.Swimlane().Key(issue), col)
	b.Issues = rank.Insert(b.Issues, s)
	i, _ := rank.Search(b.Issues, s.RankKey())
	if (i > 0 && b.Issues[i-1].Rank == s.Rank) || (i+1 < len(b.Issues) && b.Issues[i+1].Rank == s.Rank) {
		reportDuplicates(cfg.Key(), b)
	}
}

// refresh rebuilds the summary of an unchanged issue in place.
func (d *deltaState) refresh(id string) {
	issue, err := d.in.Issues.Get(id)
	if err != nil {
		return
	}
	cfg := d.in.Config
	key := rank.Key{Rank: issue.Rank, ID: issue.ID}
	col, mapped := cfg.ColumnFor(issue.State)
	if !mapped {
		if _, found := rank.Search(d.orphans, key); !found {
			return
		}
		list := d.orphanList()
		i, _ := rank.Search(*list, key)
		(*list)[i] = d.in.summarize(issue)
		return
	}
	lane := cfg.Swimlane().Key(issue)
	l, ok := d.lanes[lane]
	if !ok {
		return
	}
	if _, found := rank.Search(l.Buckets[col].Issues, key); !found {
		return
	}
	b := d.bucket(lane, col)
	i, _ := rank.Search(b.Issues, key)
	b.Issues[i] = d.in.summarize(issue)
}

// ApplyDelta derives a new snapshot from prev by moving only the issues named
// in changes. Buckets and swimlanes the change set does not touch are shared
// with prev. When prev was built for another configuration the board is
// rebuilt from scratch.
func ApplyDelta(ctx context.Context, prev *Snapshot, in Input, changes tracker.ChangeSet) (*Snapshot, *Delta, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	if prev == nil || prev.ConfigVersion != in.ConfigVersion || prev.Board != in.Config.Key() {
		snap, err := Build(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return snap, fullDelta(prev, snap, changes), nil
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "board.apply_delta")
	defer span.End()

	d := &deltaState{
		in:      in,
		lanes:   make(map[string]*Swimlane, len(prev.Swimlanes)),
		cloned:  make(map[string]bool),
		buckets: make(map[bucketRef]*Bucket),
		orphans: prev.Orphans,
	}
	for _, l := range prev.Swimlanes {
		d.lanes[l.Key] = l
	}

	changed := changes.Changed()
	for _, id := range changed {
		tr, ok := changes.Transition(id)
		if !ok {
			continue
		}
		if tr.Before != nil {
			d.remove(*tr.Before)
		}
		if tr.After != nil {
			d.insert(*tr.After)
		}
	}

	touched := make(map[string]struct{})
	for _, id := range changes.Relinked {
		touched[id] = struct{}{}
	}
	if in.Links != nil {
		for _, ids := range [][]string{changes.Added, changes.Removed} {
			for _, id := range ids {
				for _, n := range in.Links.Neighbours(id) {
					touched[n] = struct{}{}
				}
			}
		}
	}
	for _, id := range changed {
		delete(touched, id)
	}
	for id := range touched {
		d.refresh(id)
	}

	ordered := orderLanes(in.Config, d.lanes)
	snap := &Snapshot{
		ID:              uuid.NewString(),
		Board:           prev.Board,
		Name:            in.Config.Name(),
		ConfigVersion:   in.ConfigVersion,
		RegistryVersion: changes.ToVersion,
		BuiltAt:         in.now(),
		Columns:         columnHeaders(in.Config, ordered),
		Swimlanes:       ordered,
		Orphans:         d.orphans,
	}
	if changes.ToVersion == 0 {
		snap.RegistryVersion = prev.RegistryVersion
	}
	delta := &Delta{
		Board:           snap.Board,
		From:            prev.ID,
		To:              snap.ID,
		RegistryVersion: snap.RegistryVersion,
		Columns:         snap.Columns,
		Swimlanes:       laneKeys(ordered),
		OrphansChanged:  d.ownsOrp,
		Changes:         changes,
	}
	if d.ownsOrp {
		delta.Orphans = snap.Orphans
	}
	for _, l := range ordered {
		for c, b := range l.Buckets {
			if old, ok := prev.Bucket(c, l.Key); ok && old == b {
				continue
			}
			delta.Buckets = append(delta.Buckets, BucketDelta{Swimlane: l.Key, Column: c, Issues: b.Issues})
		}
	}
	span.SetAttributes(
		attribute.String("board.key", snap.Board),
		attribute.Int("board.changed_issues", len(changed)),
		attribute.Int("board.changed_buckets", len(delta.Buckets)),
	)
	log.WithFields(log.Fields{
		"board":            snap.Board,
		"registry_version": snap.RegistryVersion,
		"changed_issues":   len(changed),
		"changed_buckets":  len(delta.Buckets),
	}).Debug("board delta applied")
	return snap, delta, nil
}

func fullDelta(prev, snap *Snapshot, changes tracker.ChangeSet) *Delta {
	d := &Delta{
		Board:           snap.Board,
		To:              snap.ID,
		RegistryVersion: snap.RegistryVersion,
		Full:            true,
		Columns:         snap.Columns,
		Swimlanes:       laneKeys(snap.Swimlanes),
		Orphans:         snap.Orphans,
		OrphansChanged:  true,
		Changes:         changes,
	}
	if prev != nil {
		d.From = prev.ID
	}
	for _, l := range snap.Swimlanes {
		for c, b := range l.Buckets {
			d.Buckets = append(d.Buckets, BucketDelta{Swimlane: l.Key, Column: c, Issues: b.Issues})
		}
	}
	return d
}

func laneKeys(lanes []*Swimlane) []string {
	out := make([]string, len(lanes))
	for i, l := range lanes {
		out[i] = l.Key
	}
	return out
}
