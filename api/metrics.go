package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "github.com/pksingh99/jirban-jira/api"
	boardsEventName   = "board.request"
	boardsEventDomain = "jirban.boards"
	boardsSpanName    = "board.http.request"
	attrPrefix        = "jirban.board."
)

// boardRequestMetrics records one board API request as a span and a single
// structured log event.
type boardRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	board          string
	fetchDuration  time.Duration
	encodeDuration time.Duration
	issuesReturned int
	filtered       bool
	errorStage     string
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*boardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, boardsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("http.route", route))
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) SetBoard(key string) { m.board = key }

func (m *boardRequestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *boardRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *boardRequestMetrics) SetIssuesReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.issuesReturned = n
}

func (m *boardRequestMetrics) SetFiltered(filtered bool) { m.filtered = filtered }

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	metricAttrs := []attribute.KeyValue{
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int(attrPrefix+"issues_returned", m.issuesReturned),
		attribute.Bool(attrPrefix+"filtered", m.filtered),
	}
	if m.board != "" {
		metricAttrs = append(metricAttrs, attribute.String(attrPrefix+"key", m.board))
	}
	if m.fetchDuration > 0 {
		metricAttrs = append(metricAttrs, attribute.Float64(attrPrefix+"fetch_ms", durationToMillis(m.fetchDuration)))
	}
	if m.encodeDuration > 0 {
		metricAttrs = append(metricAttrs, attribute.Float64(attrPrefix+"encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		metricAttrs = append(metricAttrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}

	if m.span != nil {
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		m.span.SetAttributes(metricAttrs...)
		eventAttrs := []attribute.KeyValue{
			attribute.String("event.name", boardsEventName),
			attribute.String("event.domain", boardsEventDomain),
			attribute.String("severity_text", severityText),
		}
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(append(eventAttrs, metricAttrs...)...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				m.span.RecordError(err)
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrs := map[string]any{"http.route": m.route, "http.status_code": status}
	for _, kv := range metricAttrs {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      boardsEventName,
		"event.domain":    boardsEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
