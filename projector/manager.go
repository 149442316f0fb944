// Package projector owns the per-board projection contexts. It fetches
// issues from the tracker, feeds them through the registry, link resolver and
// change tracker, and publishes the resulting board snapshots.
package projector

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pksingh99/jirban-jira/board"
	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/links"
	"github.com/pksingh99/jirban-jira/registry"
	"github.com/pksingh99/jirban-jira/source"
	"github.com/pksingh99/jirban-jira/tracker"
)

const tracerName = "github.com/pksingh99/jirban-jira/projector"

// SnapshotStore keeps the last published snapshot outside the process.
type SnapshotStore interface {
	Store(ctx context.Context, snap *board.Snapshot) error
	Load(ctx context.Context, boardKey string) (*board.Snapshot, bool)
	Evict(ctx context.Context, boardKey string) error
}

// DeltaSink receives every published board delta.
type DeltaSink interface {
	Publish(ctx context.Context, delta *board.Delta) error
}

type Options struct {
	Searcher  source.Searcher
	Links     source.LinkSource
	Directory source.Directory
	Configs   source.ConfigStore
	Snapshots SnapshotStore
	Sinks     []DeltaSink

	PageSize         int
	MaxPages         int
	FetchConcurrency int
	BuildParallelism int
	// RefreshTimeout bounds one shared refresh. Callers stop waiting when
	// their own context ends; the refresh itself carries on.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// boardContext is the state of one board. mu serializes every mutation of
// the registry, resolver and configuration; the snapshot is read without
// locking.
type boardContext struct {
	key string

	mu         sync.Mutex
	cfg        *domain.Config
	cfgVersion uint64
	reg        *registry.Registry
	links      *links.Resolver
	users      *userCache
	// applied is the registry version the published snapshot reflects.
	applied uint64
	// discarded is set under mu once the board is dropped; nothing is
	// published for the context afterwards.
	discarded atomic.Bool

	snap atomic.Pointer[board.Snapshot]
}

func newBoardContext(cfg *domain.Config) *boardContext {
	return &boardContext{
		key:        cfg.Key(),
		cfg:        cfg,
		cfgVersion: 1,
		reg:        registry.New(),
		links:      links.NewResolver(),
		users:      newUserCache(),
	}
}

// Manager owns the board contexts of this process.
type Manager struct {
	opts   Options
	flight singleflight.Group

	mu     sync.Mutex
	boards map[string]*boardContext
}

func NewManager(opts Options) *Manager {
	if opts.Searcher == nil {
		panic("projector.NewManager: searcher is nil")
	}
	if opts.Configs == nil {
		panic("projector.NewManager: config store is nil")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	if opts.BuildParallelism <= 0 {
		opts.BuildParallelism = runtime.GOMAXPROCS(0)
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, boards: make(map[string]*boardContext)}
}

func (m *Manager) lookup(key string) *boardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boards[key]
}

// load returns the context of a board, reading its definition from the
// config store on first use.
func (m *Manager) load(ctx context.Context, key string) (*boardContext, error) {
	if bc := m.lookup(key); bc != nil {
		return bc, nil
	}
	def, err := m.opts.Configs.Load(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrConfigNotFound) {
			return nil, &domain.ConfigurationError{Board: key, Reason: "no definition stored", Err: err}
		}
		var ce *domain.ConfigurationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &domain.FetchError{Board: key, Op: "config", Err: err}
	}
	if def.Key == "" {
		def.Key = key
	}
	cfg, err := domain.NewConfig(def)
	if err != nil {
		return nil, err
	}
	if cfg.Key() != key {
		return nil, &domain.ConfigurationError{Board: key, Reason: fmt.Sprintf("definition is stored for board %q", cfg.Key())}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bc, ok := m.boards[key]; ok {
		return bc, nil
	}
	bc := newBoardContext(cfg)
	m.boards[key] = bc
	log.WithFields(log.Fields{"board": key, "columns": cfg.NumColumns(), "swimlane": cfg.Swimlane().String()}).Info("board loaded")
	return bc, nil
}

// GetSnapshot returns the published snapshot of a board. Before the first
// refresh of this process a snapshot cached by an earlier instance is served.
func (m *Manager) GetSnapshot(ctx context.Context, key string) (*board.Snapshot, error) {
	if bc := m.lookup(key); bc != nil {
		if snap := bc.snap.Load(); snap != nil {
			return snap, nil
		}
	}
	if m.opts.Snapshots != nil {
		if snap, ok := m.opts.Snapshots.Load(ctx, key); ok {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrBoardNotFound, key)
}

// GetOrphans returns the issues of a board whose state maps to no column.
func (m *Manager) GetOrphans(ctx context.Context, key string) ([]board.IssueSummary, error) {
	snap, err := m.GetSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Orphans, nil
}

// Refresh fetches the issues of a board and applies them. Concurrent calls
// for the same board share one fetch and its result. The shared fetch is
// detached from the callers: ctx only bounds how long this caller waits.
func (m *Manager) Refresh(ctx context.Context, key string) (tracker.ChangeSet, error) {
	ch := m.flight.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()
		return m.refresh(rctx, key)
	})
	select {
	case <-ctx.Done():
		return tracker.ChangeSet{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.WithField("board", key).Debug("refresh coalesced with in-flight fetch")
		}
		if res.Err != nil {
			return tracker.ChangeSet{}, res.Err
		}
		return res.Val.(tracker.ChangeSet), nil
	}
}

type fetched struct {
	issues []domain.Issue
}

func (m *Manager) refresh(ctx context.Context, key string) (cs tracker.ChangeSet, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "board.refresh")
	span.SetAttributes(attribute.String("board.key", key))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	bc, err := m.load(ctx, key)
	if err != nil {
		return cs, err
	}
	bc.mu.Lock()
	cfg, version := bc.cfg, bc.cfgVersion
	bc.mu.Unlock()

	data, err := m.fetch(ctx, bc, cfg)
	if err != nil {
		return cs, err
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.discarded.Load() {
		return cs, fmt.Errorf("%w: %s", domain.ErrBoardNotFound, key)
	}
	if current := bc.cfgVersion; current != version {
		log.WithFields(log.Fields{"board": key, "fetched_for": version, "current": current}).Warn("discarding stale fetch")
		return cs, fmt.Errorf("board %s: %w", key, domain.ErrStaleFetch)
	}
	cs, snap, delta, err := m.apply(ctx, bc, data)
	if err != nil {
		return cs, err
	}

	span.SetAttributes(
		attribute.Int("board.issues", len(data.issues)),
		attribute.Int("board.added", len(cs.Added)),
		attribute.Int("board.removed", len(cs.Removed)),
		attribute.Int("board.moved", len(cs.Moved)),
	)
	log.WithFields(log.Fields{
		"board":            key,
		"registry_version": cs.ToVersion,
		"config_version":   version,
		"issues":           len(data.issues),
		"added":            len(cs.Added),
		"removed":          len(cs.Removed),
		"moved":            len(cs.Moved),
		"updated":          len(cs.Updated),
		"duration":         time.Since(started),
	}).Info("board refreshed")

	m.publish(ctx, snap, delta)
	return cs, nil
}

// fetch materializes everything a refresh needs before any board state is
// touched. Collaborator failures become FetchErrors.
func (m *Manager) fetch(ctx context.Context, bc *boardContext, cfg *domain.Config) (fetched, error) {
	raw, err := source.SearchAll(ctx, m.opts.Searcher, query(cfg), m.opts.PageSize, m.opts.MaxPages)
	if err != nil {
		return fetched{}, &domain.FetchError{Board: bc.key, Op: "search", Err: err}
	}

	issues := make([]domain.Issue, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		is, err := Normalize(r, cfg)
		if err != nil {
			log.WithError(err).WithField("board", bc.key).Warn("skipping malformed issue")
			continue
		}
		if _, dup := seen[is.ID]; dup {
			log.WithFields(log.Fields{"board": bc.key, "issue": is.ID}).Warn("issue returned twice by search")
			continue
		}
		seen[is.ID] = struct{}{}
		issues = append(issues, is)
	}

	if m.opts.Links != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.opts.FetchConcurrency)
		for i := range issues {
			g.Go(func() error {
				recs, err := m.opts.Links.LinksFor(gctx, issues[i].ID)
				if err != nil {
					return &domain.FetchError{Board: bc.key, Op: "links", Err: err}
				}
				issues[i].Links = recs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fetched{}, err
		}
	}

	if err := bc.users.resolve(ctx, m.opts.Directory, bc.key, issues, m.opts.FetchConcurrency); err != nil {
		return fetched{}, err
	}
	return fetched{issues: issues}, nil
}

// apply replaces the registry population with the fetched issues and derives
// the next snapshot. bc.mu must be held.
func (m *Manager) apply(ctx context.Context, bc *boardContext, data fetched) (tracker.ChangeSet, *board.Snapshot, *board.Delta, error) {
	from := bc.applied
	present := make(map[string]struct{}, len(data.issues))
	for _, is := range data.issues {
		if _, err := bc.reg.Upsert(is); err != nil {
			log.WithError(err).WithField("board", bc.key).Warn("issue rejected by registry")
			continue
		}
		bc.links.Apply(is.ID, is.Links)
		present[is.ID] = struct{}{}
	}
	for _, id := range bc.reg.IDs() {
		if _, ok := present[id]; !ok {
			bc.reg.Remove(id)
			bc.links.Remove(id)
		}
	}
	to := bc.reg.Version()

	cs, err := tracker.Diff(bc.reg, from, to, bc.cfg.Swimlane())
	if err != nil {
		return cs, nil, nil, err
	}
	snap, delta, err := board.ApplyDelta(ctx, bc.snap.Load(), m.input(bc), cs)
	if err != nil {
		return cs, nil, nil, err
	}
	bc.snap.Store(snap)
	bc.applied = to
	bc.reg.Compact(to)
	return cs, snap, delta, nil
}

func (m *Manager) input(bc *boardContext) board.Input {
	return board.Input{
		Config:        bc.cfg,
		ConfigVersion: bc.cfgVersion,
		Issues:        bc.reg,
		Links:         bc.links,
		Users:         bc.users,
		Parallelism:   m.opts.BuildParallelism,
		Now:           m.opts.Now,
	}
}

// publish hands a snapshot and its delta on. The board's mu must be held so
// deltas leave in order and never after Discard.
func (m *Manager) publish(ctx context.Context, snap *board.Snapshot, delta *board.Delta) {
	if m.opts.Snapshots != nil {
		if err := m.opts.Snapshots.Store(ctx, snap); err != nil {
			log.WithError(err).WithField("board", snap.Board).Error("unable to cache snapshot")
		}
	}
	if delta == nil || delta.Empty() {
		return
	}
	for _, s := range m.opts.Sinks {
		if err := s.Publish(ctx, delta); err != nil {
			log.WithError(err).WithField("board", delta.Board).Error("unable to publish board delta")
		}
	}
}

// UpdateConfig validates and stores a new definition for a board, replaces
// its configuration and rebuilds the board from the issues already held.
func (m *Manager) UpdateConfig(ctx context.Context, key string, def domain.BoardDefinition) (*board.Snapshot, error) {
	if def.Key == "" {
		def.Key = key
	}
	cfg, err := domain.NewConfig(def)
	if err != nil {
		return nil, err
	}
	if cfg.Key() != key {
		return nil, &domain.ConfigurationError{Board: key, Reason: fmt.Sprintf("definition names board %q", cfg.Key())}
	}
	if err := m.opts.Configs.Save(ctx, key, cfg.Definition()); err != nil {
		return nil, fmt.Errorf("save board %s: %w", key, err)
	}

	for {
		snap, retry, err := m.replaceConfig(ctx, key, cfg)
		if !retry {
			return snap, err
		}
	}
}

// replaceConfig swaps the configuration of the current context of a board.
// It asks for a retry when the context was discarded before it got the lock.
func (m *Manager) replaceConfig(ctx context.Context, key string, cfg *domain.Config) (*board.Snapshot, bool, error) {
	m.mu.Lock()
	bc, ok := m.boards[key]
	if !ok {
		bc = newBoardContext(cfg)
		bc.cfgVersion = 0
		m.boards[key] = bc
	}
	m.mu.Unlock()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.discarded.Load() {
		return nil, true, nil
	}
	bc.cfg = cfg
	bc.cfgVersion++
	v := bc.reg.Version()
	snap, delta, err := board.ApplyDelta(ctx, bc.snap.Load(), m.input(bc), tracker.ChangeSet{FromVersion: v, ToVersion: v})
	if err != nil {
		return nil, false, err
	}
	bc.snap.Store(snap)
	bc.applied = v
	bc.reg.Compact(v)

	log.WithFields(log.Fields{"board": key, "config_version": bc.cfgVersion}).Info("board configuration replaced")
	m.publish(ctx, snap, delta)
	return snap, false, nil
}

// Discard drops the context of a board and its cached snapshot. It reports
// whether the board was loaded.
func (m *Manager) Discard(ctx context.Context, key string) bool {
	m.mu.Lock()
	bc, ok := m.boards[key]
	delete(m.boards, key)
	m.mu.Unlock()
	if ok {
		bc.mu.Lock()
		bc.discarded.Store(true)
		bc.mu.Unlock()
	}
	m.flight.Forget(key)
	if m.opts.Snapshots != nil {
		if err := m.opts.Snapshots.Evict(ctx, key); err != nil {
			log.WithError(err).WithField("board", key).Error("unable to evict cached snapshot")
		}
	}
	if ok {
		log.WithField("board", key).Info("board discarded")
	}
	return ok
}
