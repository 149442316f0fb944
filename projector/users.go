package projector

import (
	"context"
	"errors"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/source"
)

// userCache remembers directory lookups for the lifetime of a board context.
// Unknown users are remembered too so they are not looked up on every
// refresh.
type userCache struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func newUserCache() *userCache {
	return &userCache{users: make(map[string]domain.User)}
}

// User implements board.Users.
func (c *userCache) User(name string) (domain.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[name]
	return u, ok
}

func (c *userCache) missing(names []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, n := range names {
		if _, ok := c.users[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func (c *userCache) put(name string, u domain.User) {
	c.mu.Lock()
	c.users[name] = u
	c.mu.Unlock()
}

// resolve looks up every assignee the cache does not know yet.
func (c *userCache) resolve(ctx context.Context, dir source.Directory, boardKey string, issues []domain.Issue, limit int) error {
	if dir == nil {
		return nil
	}
	var names []string
	for _, is := range issues {
		if is.Assignee != "" {
			names = append(names, is.Assignee)
		}
	}
	slices.Sort(names)
	names = c.missing(slices.Compact(names))
	if len(names) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, name := range names {
		g.Go(func() error {
			u, err := dir.ResolveUser(gctx, name)
			switch {
			case errors.Is(err, domain.ErrUserNotFound):
				log.WithFields(log.Fields{"board": boardKey, "user": name}).Debug("assignee not in directory")
				u = domain.User{Name: name, DisplayName: name}
			case err != nil:
				return &domain.FetchError{Board: boardKey, Op: "users", Err: err}
			}
			if u.Name == "" {
				u.Name = name
			}
			c.put(name, u)
			return nil
		})
	}
	return g.Wait()
}
