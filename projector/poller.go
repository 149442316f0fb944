package projector

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/storage"
	"github.com/pksingh99/jirban-jira/tracker"
)

// Refresher triggers a refresh of one board.
type Refresher interface {
	Refresh(ctx context.Context, key string) (tracker.ChangeSet, error)
}

// Poller refreshes a fixed set of boards periodically. A board whose fetch
// fails is retried with exponential backoff while its last good snapshot
// stays published.
type Poller struct {
	Refresher    Refresher
	Boards       []string
	Interval     time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration

	sleep func(ctx context.Context, d time.Duration) bool
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	var g errgroup.Group
	for _, key := range p.Boards {
		g.Go(func() error {
			p.poll(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) poll(ctx context.Context, key string) {
	attempt := 0
	for {
		wait := p.Interval
		_, err := p.Refresher.Refresh(ctx, key)
		switch {
		case err == nil:
			attempt = 0
		case ctx.Err() != nil:
			return
		case retryable(err):
			attempt++
			wait = exponentialBackoff(attempt, p.RetryInitial, p.RetryMax)
			log.WithError(err).WithFields(log.Fields{"board": key, "attempt": attempt, "retry_in": wait}).Warn("board refresh failed")
		default:
			attempt = 0
			log.WithError(err).WithField("board", key).Error("board refresh failed")
		}
		if !p.wait(ctx, wait) {
			return
		}
	}
}

func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		d = time.Minute
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryable reports whether an error is worth retrying before the next
// regular poll.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrStaleFetch) {
		return true
	}
	var fe *domain.FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = time.Minute
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// RefreshQueue is the source of refresh requests.
type RefreshQueue interface {
	DequeueRefresh(ctx context.Context) (*storage.RefreshMessage, error)
	DeleteRefresh(ctx context.Context, msg *storage.RefreshMessage) error
}

// ConsumeRefreshes handles queued refresh requests until ctx is done. Every
// dequeued message is deleted once handled, malformed ones included; failed
// refreshes are left to the poller.
func ConsumeRefreshes(ctx context.Context, q RefreshQueue, r Refresher, idle time.Duration) {
	if idle <= 0 {
		idle = time.Second
	}
	pause := func() bool {
		t := time.NewTimer(idle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
	for ctx.Err() == nil {
		msg, err := q.DequeueRefresh(ctx)
		if msg == nil {
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Error("unable to receive refresh request")
			}
			if !pause() {
				return
			}
			continue
		}
		if err != nil {
			log.WithError(err).WithField("message", msg.ID).Warn("dropping malformed refresh request")
		} else if cs, err := r.Refresh(ctx, msg.Board); err != nil {
			log.WithError(err).WithField("board", msg.Board).Error("queued refresh failed")
		} else {
			log.WithFields(log.Fields{"board": msg.Board, "registry_version": cs.ToVersion}).Debug("queued refresh applied")
		}
		if err := q.DeleteRefresh(ctx, msg); err != nil {
			log.WithError(err).WithField("message", msg.ID).Error("unable to delete refresh request")
		}
	}
}
