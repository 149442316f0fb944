// Package board projects a board's issues onto columns and swimlanes.
package board

import (
	"context"
	"errors"
	"iter"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/links"
	"github.com/pksingh99/jirban-jira/rank"
)

const tracerName = "github.com/pksingh99/jirban-jira/board"

// Issues is the registry as seen by the builder.
type Issues interface {
	All() iter.Seq[domain.Issue]
	Get(id string) (domain.Issue, error)
	Contains(id string) bool
	Version() uint64
}

// Relations is the link graph as seen by the builder.
type Relations interface {
	RelatedTo(id string, known links.Lookup) []links.Relation
	Neighbours(id string) []string
}

// Users resolves assignee display metadata from already fetched data.
type Users interface {
	User(name string) (domain.User, bool)
}

// Input is everything a build reads. All of it is in memory; the builder
// performs no I/O.
type Input struct {
	Config        *domain.Config
	ConfigVersion uint64
	Issues        Issues
	Links         Relations
	Users         Users
	// Parallelism bounds concurrent bucket sorts. Zero means GOMAXPROCS.
	Parallelism int
	Now         func() time.Time
}

var errIncompleteInput = errors.New("board: build input needs a config and an issue source")

func (in Input) validate() error {
	if in.Config == nil || in.Issues == nil {
		return errIncompleteInput
	}
	return nil
}

func (in Input) now() time.Time {
	if in.Now != nil {
		return in.Now().UTC()
	}
	return time.Now().UTC()
}

func (in Input) summarize(issue domain.Issue) IssueSummary {
	s := IssueSummary{
		ID:           issue.ID,
		Project:      issue.Project,
		State:        issue.State,
		Rank:         issue.Rank,
		Summary:      issue.Summary,
		Type:         issue.Type,
		Priority:     issue.Priority,
		Components:   issue.Components,
		Labels:       issue.Labels,
		FixVersions:  issue.FixVersions,
		CustomFields: issue.CustomFields,
	}
	if issue.Assignee != "" {
		a := &Assignee{Name: issue.Assignee, DisplayName: issue.Assignee}
		if in.Users != nil {
			if u, ok := in.Users.User(issue.Assignee); ok {
				if u.DisplayName != "" {
					a.DisplayName = u.DisplayName
				}
				a.AvatarURL = u.AvatarURL
			}
		}
		s.Assignee = a
	}
	if in.Links != nil {
		if rel := in.Links.RelatedTo(issue.ID, in.Issues); len(rel) > 0 {
			s.Links = rel
		}
	}
	return s
}

// Build projects every issue of the registry onto the board. Issues whose
// state maps to no column are collected as orphans.
func Build(ctx context.Context, in Input) (*Snapshot, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	cfg := in.Config
	_, span := otel.Tracer(tracerName).Start(ctx, "board.build")
	defer span.End()

	logger := log.WithField("board", cfg.Key())
	lanes := cfg.Swimlane()
	ncol := cfg.NumColumns()
	byLane := make(map[string]*Swimlane)
	var orphans []IssueSummary
	version := in.Issues.Version()

	for issue := range in.Issues.All() {
		col, mapped := cfg.ColumnFor(issue.State)
		if !mapped {
			logger.WithError(domain.UnmappedStateWarning{Issue: issue.ID, State: issue.State}).Warn("issue routed to orphans")
			orphans = append(orphans, in.summarize(issue))
			continue
		}
		key := lanes.Key(issue)
		lane, ok := byLane[key]
		if !ok {
			lane = newLane(key, ncol)
			byLane[key] = lane
		}
		b := lane.Buckets[col]
		b.Issues = append(b.Issues, in.summarize(issue))
	}
	if len(orphans) > 0 {
		logger.WithField("orphans", len(orphans)).Warn("issues with unmapped states")
	}

	if err := sortBuckets(ctx, cfg.Key(), byLane, in.Parallelism); err != nil {
		return nil, err
	}
	rank.Sort(orphans)
	if orphans == nil {
		orphans = []IssueSummary{}
	}

	ordered := orderLanes(cfg, byLane)
	snap := &Snapshot{
		ID:              uuid.NewString(),
		Board:           cfg.Key(),
		Name:            cfg.Name(),
		ConfigVersion:   in.ConfigVersion,
		RegistryVersion: version,
		BuiltAt:         in.now(),
		Columns:         columnHeaders(cfg, ordered),
		Swimlanes:       ordered,
		Orphans:         orphans,
	}
	span.SetAttributes(
		attribute.String("board.key", cfg.Key()),
		attribute.Int("board.issues", snap.Len()),
		attribute.Int("board.orphans", len(orphans)),
		attribute.Int("board.swimlanes", len(ordered)),
	)
	logger.WithFields(log.Fields{
		"registry_version": version,
		"config_version":   in.ConfigVersion,
		"issues":           snap.Len(),
		"swimlanes":        len(ordered),
	}).Debug("board built")
	return snap, nil
}

// sortBuckets ranks every bucket. Buckets share no data so each is sorted on
// its own goroutine.
func sortBuckets(ctx context.Context, board string, lanes map[string]*Swimlane, parallelism int) error {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, lane := range lanes {
		for _, b := range lane.Buckets {
			if len(b.Issues) < 2 {
				continue
			}
			g.Go(func() error {
				rank.Sort(b.Issues)
				reportDuplicates(board, b)
				return nil
			})
		}
	}
	return g.Wait()
}

func reportDuplicates(board string, b *Bucket) {
	for _, ids := range rank.Duplicates(b.Issues) {
		warn := &domain.DataInconsistencyError{Bucket: bucketName(b), IDs: ids}
		if i := slices.IndexFunc(b.Issues, func(s IssueSummary) bool { return s.ID == ids[0] }); i >= 0 {
			warn.Rank = b.Issues[i].Rank
		}
		log.WithField("board", board).WithError(warn).Warn("ambiguous rank order resolved by issue id")
	}
}

func bucketName(b *Bucket) string {
	return laneName(b.Swimlane) + "/" + strconv.Itoa(b.Column)
}

// orderLanes puts configured lanes first, always present, then every other
// non-empty lane by key, then the unassigned lane when it holds issues.
func orderLanes(cfg *domain.Config, lanes map[string]*Swimlane) []*Swimlane {
	ncol := cfg.NumColumns()
	if cfg.Swimlane().Kind == domain.SwimlaneNone {
		if l, ok := lanes[domain.SingleLaneKey]; ok {
			return []*Swimlane{l}
		}
		return []*Swimlane{newLane(domain.SingleLaneKey, ncol)}
	}

	var out []*Swimlane
	used := make(map[string]bool)
	for _, key := range cfg.SwimlaneOrder() {
		if used[key] {
			continue
		}
		used[key] = true
		if l, ok := lanes[key]; ok {
			out = append(out, l)
		} else {
			out = append(out, newLane(key, ncol))
		}
	}
	var rest []string
	for key, l := range lanes {
		if used[key] || key == domain.NoneKey || laneEmpty(l) {
			continue
		}
		rest = append(rest, key)
	}
	slices.Sort(rest)
	for _, key := range rest {
		out = append(out, lanes[key])
	}
	if l, ok := lanes[domain.NoneKey]; ok && !used[domain.NoneKey] && !laneEmpty(l) {
		out = append(out, l)
	}
	return out
}

func laneEmpty(l *Swimlane) bool {
	for _, b := range l.Buckets {
		if len(b.Issues) > 0 {
			return false
		}
	}
	return true
}
