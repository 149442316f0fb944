package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/board"
	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/tracker"
)

// maxDefinitionBytes bounds board definition uploads.
const maxDefinitionBytes = 1 << 20

// Service is the board projection as seen by the HTTP layer.
type Service interface {
	GetSnapshot(ctx context.Context, key string) (*board.Snapshot, error)
	GetOrphans(ctx context.Context, key string) ([]board.IssueSummary, error)
	Refresh(ctx context.Context, key string) (tracker.ChangeSet, error)
	UpdateConfig(ctx context.Context, key string, def domain.BoardDefinition) (*board.Snapshot, error)
	Discard(ctx context.Context, key string) bool
}

type Options struct {
	// Heartbeat is the keep-alive interval of board streams.
	Heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Service, broker *Broker, logger *log.Logger, opts Options) {
	g := e.Group("/api/boards/:board")
	g.GET("", getBoard(svc, logger))
	g.POST("/refresh", postRefresh(svc, logger))
	g.GET("/orphans", getOrphans(svc, logger))
	g.GET("/headers", getHeaders(svc, logger))
	g.GET("/filters", getFilterValues(svc, logger))
	g.GET("/issues/:issue", getIssue(svc, logger))
	g.GET("/issues/:issue/moves", getMoves(svc, logger))
	g.PUT("/config", putConfig(svc, logger))
	g.DELETE("", deleteBoard(svc, logger))
	g.GET("/stream", streamBoard(svc, broker, opts.Heartbeat))
	e.GET("/healthz", healthz())
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ce *domain.ConfigurationError
	var fe *domain.FetchError
	switch {
	case errors.Is(err, domain.ErrBoardNotFound),
		errors.Is(err, domain.ErrConfigNotFound),
		errors.Is(err, domain.ErrIssueNotFound):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fe):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrStaleFetch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return writeJSON(c, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(c echo.Context, status int, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, data)
}

// handle runs fn inside request metrics. Errors fn returns are written as
// JSON; only server side failures are reported as errors.
func handle(logger *log.Logger, route string, fn func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, spanCtx := newBoardRequestMetrics(c.Request().Context(), logger, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		metrics.SetBoard(c.Param("board"))

		err := fn(spanCtx, c, metrics)
		var logged error
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logged = err
			}
			if werr := writeError(c, err); werr != nil {
				logged = werr
			}
		}
		metrics.Log(c.Response().Status, logged)
		return nil
	}
}

func getBoard(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		start := time.Now()
		snap, err := svc.GetSnapshot(ctx, c.Param("board"))
		m.ObserveFetch(time.Since(start))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		f := board.ParseFilter(c.QueryParams())
		if !f.IsEmpty() {
			m.SetFiltered(true)
			snap = snap.Filter(f)
		}
		m.SetIssuesReturned(snap.Len())
		encodeStart := time.Now()
		err = writeJSON(c, http.StatusOK, snap)
		m.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			m.SetErrorStage("encode_response")
		}
		return err
	})
}

func postRefresh(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/refresh", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		start := time.Now()
		cs, err := svc.Refresh(ctx, c.Param("board"))
		m.ObserveFetch(time.Since(start))
		if err != nil {
			m.SetErrorStage("refresh")
			return err
		}
		m.SetIssuesReturned(len(cs.Changed()))
		return writeJSON(c, http.StatusOK, cs)
	})
}

func getOrphans(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/orphans", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		orphans, err := svc.GetOrphans(ctx, c.Param("board"))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		m.SetIssuesReturned(len(orphans))
		return writeJSON(c, http.StatusOK, orphans)
	})
}

func getHeaders(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/headers", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		snap, err := svc.GetSnapshot(ctx, c.Param("board"))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		return writeJSON(c, http.StatusOK, board.Headers(snap.Columns))
	})
}

// getFilterValues lists the values present on the board per filter
// dimension.
func getFilterValues(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/filters", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		snap, err := svc.GetSnapshot(ctx, c.Param("board"))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		return writeJSON(c, http.StatusOK, snap.Values())
	})
}

func getIssue(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/issues/:issue", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		snap, err := svc.GetSnapshot(ctx, c.Param("board"))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		is, ok := snap.Issue(c.Param("issue"))
		if !ok {
			m.SetErrorStage("issue")
			return fmt.Errorf("%w: %s", domain.ErrIssueNotFound, c.Param("issue"))
		}
		m.SetIssuesReturned(1)
		return writeJSON(c, http.StatusOK, is)
	})
}

func getMoves(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/issues/:issue/moves", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		column := c.QueryParam("column")
		if column == "" {
			m.SetErrorStage("invalid_column")
			return writeJSON(c, http.StatusBadRequest, errorResponse{Error: "column is required"})
		}
		snap, err := svc.GetSnapshot(ctx, c.Param("board"))
		if err != nil {
			m.SetErrorStage("snapshot")
			return err
		}
		moves, err := snap.MoveCandidates(c.Param("issue"), column)
		if err != nil {
			m.SetErrorStage("moves")
			return err
		}
		m.SetIssuesReturned(len(moves))
		return writeJSON(c, http.StatusOK, moves)
	})
}

func putConfig(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board/config", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionBytes+1))
		if err != nil {
			m.SetErrorStage("read_body")
			return writeJSON(c, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		}
		if len(body) > maxDefinitionBytes {
			m.SetErrorStage("read_body")
			return writeJSON(c, http.StatusRequestEntityTooLarge, errorResponse{Error: "definition too large"})
		}
		def, err := domain.ParseDefinition(body)
		if err != nil {
			m.SetErrorStage("parse_definition")
			return err
		}
		snap, err := svc.UpdateConfig(ctx, c.Param("board"), def)
		if err != nil {
			m.SetErrorStage("update_config")
			return err
		}
		m.SetIssuesReturned(snap.Len())
		return writeJSON(c, http.StatusOK, snap)
	})
}

func deleteBoard(svc Service, logger *log.Logger) echo.HandlerFunc {
	return handle(logger, "/api/boards/:board", func(ctx context.Context, c echo.Context, m *boardRequestMetrics) error {
		svc.Discard(ctx, c.Param("board"))
		return c.NoContent(http.StatusNoContent)
	})
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}
