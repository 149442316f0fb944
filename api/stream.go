package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/board"
)

const subscriberBuffer = 16

type subscriber struct {
	ch chan []byte
	// lagged is set when a delta was dropped; the stream then resends the
	// full snapshot.
	lagged atomic.Bool
}

// Broker fans board deltas out to the stream clients of this instance.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

func (b *Broker) subscribe(boardKey string) *subscriber {
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	if b.subs[boardKey] == nil {
		b.subs[boardKey] = make(map[*subscriber]struct{})
	}
	b.subs[boardKey][s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) unsubscribe(boardKey string, s *subscriber) {
	b.mu.Lock()
	delete(b.subs[boardKey], s)
	if len(b.subs[boardKey]) == 0 {
		delete(b.subs, boardKey)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of open streams for a board.
func (b *Broker) Subscribers(boardKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[boardKey])
}

// Deliver hands an encoded delta to every stream of the board.
func (b *Broker) Deliver(boardKey string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[boardKey] {
		select {
		case s.ch <- payload:
		default:
			s.lagged.Store(true)
		}
	}
}

// Publish encodes and delivers a delta. It lets the broker act as the delta
// sink when no Redis channel connects the instances.
func (b *Broker) Publish(ctx context.Context, delta *board.Delta) error {
	payload, err := sonic.Marshal(delta)
	if err != nil {
		return err
	}
	b.Deliver(delta.Board, payload)
	return nil
}

func writeEvent(w *echo.Response, event string, data []byte) error {
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func streamBoard(svc Service, broker *Broker, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("board")
		ctx := c.Request().Context()
		sub := broker.subscribe(key)
		defer broker.unsubscribe(key, sub)

		sendSnapshot := func() error {
			snap, err := svc.GetSnapshot(ctx, key)
			if err != nil {
				return err
			}
			data, err := sonic.Marshal(snap)
			if err != nil {
				return err
			}
			return writeEvent(c.Response(), "snapshot", data)
		}

		if _, err := svc.GetSnapshot(ctx, key); err != nil {
			return writeError(c, err)
		}
		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set(echo.HeaderCacheControl, "no-cache")
		w.Header().Set(echo.HeaderConnection, "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := sendSnapshot(); err != nil {
			log.WithError(err).WithField("board", key).Error("unable to send initial snapshot")
			return nil
		}

		if heartbeat <= 0 {
			heartbeat = 30 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			var err error
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_, err = w.Write([]byte(": keep-alive\n\n"))
				w.Flush()
			case payload := <-sub.ch:
				if sub.lagged.Swap(false) {
					for len(sub.ch) > 0 {
						<-sub.ch
					}
					err = sendSnapshot()
				} else {
					err = writeEvent(w, "delta", payload)
				}
			}
			if err != nil {
				log.WithError(err).WithField("board", key).Debug("stream closed")
				return nil
			}
		}
	}
}
