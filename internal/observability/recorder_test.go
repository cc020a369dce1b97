package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type memorySink struct {
	mu      sync.Mutex
	records []*TraceRecord
	err     error
	panics  bool
}

func (m *memorySink) Export(ctx context.Context, records []*TraceRecord) error {
	if m.panics {
		panic("sink exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return m.err
}

func (m *memorySink) Records() []*TraceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*TraceRecord(nil), m.records...)
}

func newTestRecorder(t *testing.T, cfg Config, sink Sink) (*Recorder, *tracetest.SpanRecorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewRecorder(cfg, tp, prometheus.NewRegistry(), sink, logger), sr
}

func info(provider types.ProviderID) AttemptInfo {
	return AttemptInfo{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		Operation:  "chat",
		ProviderID: provider,
		Model:      "m",
		Attempt:    1,
	}
}

func TestRecorder_SuccessfulAttempt(t *testing.T) {
	sink := &memorySink{}
	r, sr := newTestRecorder(t, Config{FlushInterval: 10 * time.Millisecond}, sink)
	r.Start()

	_, span := r.StartAttempt(context.Background(), info(types.ProviderGroq))
	span.End(types.AttemptResult{
		ProviderID:       types.ProviderGroq,
		Model:            "m",
		Success:          true,
		Latency:          120 * time.Millisecond,
		PromptTokens:     10,
		CompletionTokens: 5,
		TokensUsed:       15,
		CostUSD:          0.002,
	})
	r.Stop()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "llm.attempt", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Equal(t, types.ProviderGroq, records[0].ProviderID)
	assert.Equal(t, 15, records[0].TotalTokens)
	assert.True(t, records[0].Success)
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), records[0].TraceID)

	m := r.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("groq", "success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Tokens.WithLabelValues("groq", "prompt")))
	assert.InDelta(t, 0.002, testutil.ToFloat64(m.CostUSD.WithLabelValues("groq")), 1e-12)
}

func TestRecorder_FailedAttempt(t *testing.T) {
	sink := &memorySink{}
	r, sr := newTestRecorder(t, Config{}, sink)
	r.Start()

	_, span := r.StartAttempt(context.Background(), info(types.ProviderGemini))
	span.End(types.AttemptResult{
		ProviderID: types.ProviderGemini,
		ErrorKind:  types.ErrorKindProviderTimeout,
		Err:        context.DeadlineExceeded,
	})
	span.End(types.AttemptResult{ProviderID: types.ProviderGemini, Success: true})
	r.Stop()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "provider_timeout", spans[0].Status().Description)

	records := sink.Records()
	require.Len(t, records, 1, "End is idempotent")
	assert.Equal(t, types.ErrorKindProviderTimeout, records[0].ErrorKind)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics().Attempts.WithLabelValues("gemini", "provider_timeout")))
}

func TestRecorder_AbandonedAttempt(t *testing.T) {
	sink := &memorySink{}
	r, sr := newTestRecorder(t, Config{}, sink)
	r.Start()

	_, span := r.StartAttempt(context.Background(), info(types.ProviderGroq))
	span.Abandon(context.Canceled)
	span.End(types.AttemptResult{ProviderID: types.ProviderGroq, ErrorKind: types.ErrorKindProviderError})
	r.Stop()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Empty(t, sink.Records())
	assert.Equal(t, 0, testutil.CollectAndCount(r.Metrics().Attempts))
}

func TestRecorder_ExportErrorsAreSwallowed(t *testing.T) {
	sink := &memorySink{err: errors.New("collector down")}
	r, _ := newTestRecorder(t, Config{}, sink)
	r.Start()

	_, span := r.StartAttempt(context.Background(), info(types.ProviderCerebras))
	assert.NotPanics(t, func() {
		span.End(types.AttemptResult{ProviderID: types.ProviderCerebras, Success: true})
	})
	r.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics().ExportErrors))
}

func TestRecorder_PanickingSinkIsRecovered(t *testing.T) {
	r, _ := newTestRecorder(t, Config{}, &memorySink{panics: true})
	r.Start()

	_, span := r.StartAttempt(context.Background(), info(types.ProviderCerebras))
	span.End(types.AttemptResult{ProviderID: types.ProviderCerebras, Success: true})

	assert.NotPanics(t, r.Stop)
}

func TestRecorder_FullBufferDrops(t *testing.T) {
	sink := &memorySink{}
	r, _ := newTestRecorder(t, Config{BufferSize: 1}, sink)

	for i := 0; i < 3; i++ {
		_, span := r.StartAttempt(context.Background(), info(types.ProviderGroq))
		span.End(types.AttemptResult{ProviderID: types.ProviderGroq, Success: true})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics().RecordsDropped))

	r.Stop()
	assert.Len(t, sink.Records(), 1)
}

func TestRecorder_SkipsAndRequests(t *testing.T) {
	r, _ := newTestRecorder(t, Config{}, &memorySink{})

	r.RecordSkip(context.Background(), types.ProviderGroq, types.ErrorKindCircuitOpen)
	r.RecordRequest("success")
	r.SetBreakerState(types.ProviderGroq, 2)

	m := r.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("groq", "circuit_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("groq")))
}
