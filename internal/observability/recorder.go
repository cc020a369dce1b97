// Package observability traces and meters provider attempts. Recording never
// blocks or fails the request path: records are buffered and exported by a
// background goroutine, and exporter errors are only logged.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

const tracerName = "github.com/tributary-ai/llm-resilience-router"

// Config holds recorder buffering settings
type Config struct {
	ServiceName   string        `yaml:"service_name"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TraceRecord is the exported form of one attempt.
type TraceRecord struct {
	ID               string           `json:"id"`
	TraceID          string           `json:"traceId,omitempty"`
	RequestID        string           `json:"requestId"`
	SessionID        string           `json:"sessionId"`
	Operation        string           `json:"operation"`
	ProviderID       types.ProviderID `json:"providerId"`
	Model            string           `json:"model,omitempty"`
	Attempt          int              `json:"attempt"`
	StartedAt        time.Time        `json:"startedAt"`
	EndedAt          time.Time        `json:"endedAt"`
	PromptTokens     int              `json:"promptTokens"`
	CompletionTokens int              `json:"completionTokens"`
	TotalTokens      int              `json:"totalTokens"`
	CostUSD          float64          `json:"costUsd"`
	Success          bool             `json:"success"`
	ErrorKind        types.ErrorKind  `json:"errorKind,omitempty"`
}

// AttemptInfo identifies an attempt when it starts.
type AttemptInfo struct {
	RequestID  string
	SessionID  string
	Operation  string
	ProviderID types.ProviderID
	Model      string
	Attempt    int
}

// Recorder handles attempt tracing, metrics and trace record export
type Recorder struct {
	config  Config
	tracer  trace.Tracer
	metrics *Metrics
	sink    Sink
	logger  *logrus.Logger

	buffer   chan *TraceRecord
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
	stopped  bool
}

// NewRecorder creates a recorder. Call Start to begin exporting.
func NewRecorder(config Config, tp trace.TracerProvider, reg prometheus.Registerer, sink Sink, logger *logrus.Logger) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}

	return &Recorder{
		config:   config,
		tracer:   tp.Tracer(tracerName),
		metrics:  NewMetrics(reg),
		sink:     sink,
		logger:   logger,
		buffer:   make(chan *TraceRecord, config.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// Metrics exposes the registered series.
func (r *Recorder) Metrics() *Metrics {
	return r.metrics
}

// AttemptSpan tracks one in-flight attempt.
type AttemptSpan struct {
	recorder *Recorder
	span     trace.Span
	info     AttemptInfo
	started  time.Time
	once     sync.Once
}

// StartAttempt opens a span for a provider attempt. The returned context
// carries the span and should be passed to the provider call.
func (r *Recorder) StartAttempt(ctx context.Context, info AttemptInfo) (context.Context, *AttemptSpan) {
	ctx, span := r.tracer.Start(ctx, "llm.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", string(info.ProviderID)),
			attribute.String("llm.model", info.Model),
			attribute.String("llm.operation", info.Operation),
			attribute.String("llm.request_id", info.RequestID),
			attribute.String("llm.session_id", info.SessionID),
			attribute.Int("llm.attempt", info.Attempt),
		),
	)
	return ctx, &AttemptSpan{recorder: r, span: span, info: info, started: time.Now()}
}

// End closes the span, updates metrics and queues a trace record. Calling
// End more than once has no effect.
func (s *AttemptSpan) End(res types.AttemptResult) {
	s.once.Do(func() {
		defer s.recorder.recoverPanic("end attempt")

		s.span.SetAttributes(
			attribute.Int("llm.tokens.prompt", res.PromptTokens),
			attribute.Int("llm.tokens.completion", res.CompletionTokens),
			attribute.Int("llm.tokens.total", res.TokensUsed),
			attribute.Float64("llm.cost_usd", res.CostUSD),
			attribute.Bool("llm.success", res.Success),
			attribute.Int64("llm.latency_ms", res.Latency.Milliseconds()),
		)
		if res.Success {
			s.span.SetStatus(codes.Ok, "")
		} else {
			s.span.SetAttributes(attribute.String("llm.error_kind", string(res.ErrorKind)))
			if res.Err != nil {
				s.span.RecordError(res.Err)
			}
			s.span.SetStatus(codes.Error, string(res.ErrorKind))
		}
		s.span.End()

		s.recorder.observe(res)

		ended := time.Now()
		rec := &TraceRecord{
			ID:               uuid.NewString(),
			RequestID:        s.info.RequestID,
			SessionID:        s.info.SessionID,
			Operation:        s.info.Operation,
			ProviderID:       res.ProviderID,
			Model:            res.Model,
			Attempt:          s.info.Attempt,
			StartedAt:        s.started,
			EndedAt:          ended,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.TokensUsed,
			CostUSD:          res.CostUSD,
			Success:          res.Success,
			ErrorKind:        res.ErrorKind,
		}
		if sc := s.span.SpanContext(); sc.HasTraceID() {
			rec.TraceID = sc.TraceID().String()
		}
		s.recorder.enqueue(rec)
	})
}

// Abandon closes the span of an attempt cut short by the caller. It records no
// metrics and queues no trace record.
func (s *AttemptSpan) Abandon(cause error) {
	s.once.Do(func() {
		defer s.recorder.recoverPanic("abandon attempt")
		s.span.SetAttributes(attribute.Bool("llm.abandoned", true))
		if cause != nil {
			s.span.RecordError(cause)
		}
		s.span.End()
	})
}

// RecordSkip notes a chain entry that was passed over without a call.
func (r *Recorder) RecordSkip(ctx context.Context, provider types.ProviderID, kind types.ErrorKind) {
	defer r.recoverPanic("record skip")
	r.metrics.Attempts.WithLabelValues(string(provider), string(kind)).Inc()
	trace.SpanFromContext(ctx).AddEvent("llm.skip", trace.WithAttributes(
		attribute.String("llm.provider", string(provider)),
		attribute.String("llm.reason", string(kind)),
	))
}

// RecordRequest counts a finished request by outcome.
func (r *Recorder) RecordRequest(outcome string) {
	defer r.recoverPanic("record request")
	r.metrics.Requests.WithLabelValues(outcome).Inc()
}

// SetBreakerState publishes a breaker state gauge (0 closed, 1 half-open, 2 open).
func (r *Recorder) SetBreakerState(provider types.ProviderID, value float64) {
	defer r.recoverPanic("set breaker state")
	r.metrics.BreakerState.WithLabelValues(string(provider)).Set(value)
}

func (r *Recorder) observe(res types.AttemptResult) {
	provider := string(res.ProviderID)
	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	r.metrics.Attempts.WithLabelValues(provider, outcome).Inc()
	r.metrics.AttemptDuration.WithLabelValues(provider).Observe(res.Latency.Seconds())
	r.metrics.Tokens.WithLabelValues(provider, "prompt").Add(float64(res.PromptTokens))
	r.metrics.Tokens.WithLabelValues(provider, "completion").Add(float64(res.CompletionTokens))
	if res.CostUSD > 0 {
		r.metrics.CostUSD.WithLabelValues(provider).Add(res.CostUSD)
	}
}

func (r *Recorder) enqueue(rec *TraceRecord) {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case r.buffer <- rec:
	default:
		r.metrics.RecordsDropped.Inc()
		r.logger.Warn("Trace buffer full, dropping record")
	}
}

// Start launches the export goroutine.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.processor()
}

// Stop flushes buffered records and stops the export goroutine.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if started {
		close(r.stopChan)
		r.wg.Wait()
		return
	}
	r.flush(r.drain(nil))
}

func (r *Recorder) processor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*TraceRecord, 0, r.config.BatchSize)

	for {
		select {
		case rec := <-r.buffer:
			batch = append(batch, rec)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-r.stopChan:
			r.flush(r.drain(batch))
			return
		}
	}
}

func (r *Recorder) drain(batch []*TraceRecord) []*TraceRecord {
	for {
		select {
		case rec := <-r.buffer:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (r *Recorder) flush(batch []*TraceRecord) {
	if len(batch) == 0 {
		return
	}
	defer r.recoverPanic("export trace records")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sink.Export(ctx, batch); err != nil {
		r.metrics.ExportErrors.Inc()
		r.logger.WithError(err).WithField("records", len(batch)).Warn("Failed to export trace records")
	}
}

func (r *Recorder) recoverPanic(op string) {
	if v := recover(); v != nil {
		r.logger.WithField("operation", op).Error(fmt.Sprintf("Recovered panic in recorder: %v", v))
	}
}
