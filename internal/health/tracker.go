// Package health keeps per-provider health records and the circuit breakers
// they feed.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Smoothing factor for the error rate and response time moving averages.
const ewmaAlpha = 0.2

// Record is the persisted health of one provider.
type Record struct {
	ProviderID          types.ProviderID `json:"providerId"`
	Status              Status           `json:"status"`
	LastCheck           time.Time        `json:"lastCheck"`
	ResponseTimeMs      float64          `json:"responseTimeMs"`
	ErrorRate           float64          `json:"errorRate"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	CircuitBreakerOpen  bool             `json:"circuitBreakerOpen"`
	TotalAttempts       int64            `json:"totalAttempts"`
	LastError           string           `json:"lastError,omitempty"`
}

// ProviderStatus is the combined view of one provider the router consumes.
type ProviderStatus struct {
	Health  Record       `json:"health"`
	Breaker BreakerState `json:"breaker"`
}

// Snapshot is a point-in-time view of every tracked provider.
type Snapshot map[types.ProviderID]ProviderStatus

// BreakerStateOf returns the breaker state for a provider, CLOSED if untracked.
func (s Snapshot) BreakerStateOf(id types.ProviderID) State {
	st, ok := s[id]
	if !ok {
		return StateClosed
	}
	return st.Breaker.current()
}

// Tracker owns one circuit breaker per provider and the health records that
// attempt outcomes are folded into.
type Tracker struct {
	store    store.Store
	clock    clock.Clock
	logger   *logrus.Logger
	order    []types.ProviderID
	breakers map[types.ProviderID]*CircuitBreaker
}

func NewTracker(providers []types.ProviderID, config BreakerConfig, s store.Store, c clock.Clock, logger *logrus.Logger) *Tracker {
	t := &Tracker{
		store:    s,
		clock:    c,
		logger:   logger,
		order:    append([]types.ProviderID(nil), providers...),
		breakers: make(map[types.ProviderID]*CircuitBreaker, len(providers)),
	}
	for _, id := range providers {
		t.breakers[id] = NewCircuitBreaker(id, config, s, c, logger)
	}
	return t
}

// Breaker returns the breaker for a tracked provider.
func (t *Tracker) Breaker(id types.ProviderID) (*CircuitBreaker, bool) {
	b, ok := t.breakers[id]
	return b, ok
}

func healthKey(id types.ProviderID) string {
	return "health/" + string(id)
}

// RecordAttempt folds an attempt outcome into the provider's health record
// and feeds the circuit breaker. Skipped attempts are ignored.
func (t *Tracker) RecordAttempt(ctx context.Context, res types.AttemptResult) error {
	if res.Skipped || (!res.Success && !res.ErrorKind.CountsAsFailure()) {
		return nil
	}
	breaker, ok := t.breakers[res.ProviderID]
	if !ok {
		return fmt.Errorf("untracked provider %q", res.ProviderID)
	}

	var (
		bs  BreakerState
		err error
	)
	if res.Success {
		bs, err = breaker.RecordSuccess(ctx)
	} else {
		bs, err = breaker.RecordFailure(ctx)
	}
	if err != nil {
		t.logger.WithError(err).WithField("provider", res.ProviderID).Warn("Failed to update circuit breaker")
	}

	_, herr := store.UpdateJSON(ctx, t.store, healthKey(res.ProviderID), func(r *Record) (bool, error) {
		r.ProviderID = res.ProviderID
		r.LastCheck = t.clock.Now()
		r.TotalAttempts++
		r.ResponseTimeMs = ewma(r.ResponseTimeMs, float64(res.Latency.Milliseconds()), r.TotalAttempts == 1)
		if res.Success {
			r.ErrorRate = ewma(r.ErrorRate, 0, false)
			r.ConsecutiveFailures = 0
			r.LastError = ""
		} else {
			r.ErrorRate = ewma(r.ErrorRate, 1, r.TotalAttempts == 1)
			r.ConsecutiveFailures++
			r.LastError = string(res.ErrorKind)
		}
		if err == nil {
			r.CircuitBreakerOpen = bs.current() == StateOpen
		}
		r.Status = deriveStatus(*r, bs.current())
		return true, nil
	})
	if herr != nil {
		return fmt.Errorf("update health for %s: %w", res.ProviderID, herr)
	}
	return err
}

// RecordProbe stores the outcome of an out-of-band health check. Probes do
// not drive the circuit breaker.
func (t *Tracker) RecordProbe(ctx context.Context, id types.ProviderID, latency time.Duration, probeErr error) error {
	breaker, ok := t.breakers[id]
	if !ok {
		return fmt.Errorf("untracked provider %q", id)
	}
	bs, err := breaker.Snapshot(ctx)
	if err != nil {
		return err
	}
	_, err = store.UpdateJSON(ctx, t.store, healthKey(id), func(r *Record) (bool, error) {
		r.ProviderID = id
		r.LastCheck = t.clock.Now()
		if probeErr != nil {
			r.LastError = probeErr.Error()
		} else {
			r.ResponseTimeMs = ewma(r.ResponseTimeMs, float64(latency.Milliseconds()), r.ResponseTimeMs == 0)
		}
		r.CircuitBreakerOpen = bs.current() == StateOpen
		r.Status = deriveStatus(*r, bs.current())
		if probeErr != nil && r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
		return true, nil
	})
	return err
}

// Get returns the provider's health with the breaker-derived fields refreshed.
func (t *Tracker) Get(ctx context.Context, id types.ProviderID) (ProviderStatus, error) {
	breaker, ok := t.breakers[id]
	if !ok {
		return ProviderStatus{}, fmt.Errorf("untracked provider %q", id)
	}
	bs, err := breaker.Snapshot(ctx)
	if err != nil {
		return ProviderStatus{}, err
	}
	rec, _, err := store.GetJSON[Record](ctx, t.store, healthKey(id))
	if err != nil {
		return ProviderStatus{}, err
	}
	rec.ProviderID = id
	rec.CircuitBreakerOpen = bs.current() == StateOpen
	rec.Status = deriveStatus(rec, bs.current())
	return ProviderStatus{Health: rec, Breaker: bs}, nil
}

// Snapshot reads every tracked provider. A provider whose state cannot be
// read is reported with a closed breaker so a store outage does not take
// every provider out of rotation.
func (t *Tracker) Snapshot(ctx context.Context) Snapshot {
	snap := make(Snapshot, len(t.order))
	for _, id := range t.order {
		st, err := t.Get(ctx, id)
		if err != nil {
			t.logger.WithError(err).WithField("provider", id).Warn("Failed to read provider state")
			st = ProviderStatus{
				Health:  Record{ProviderID: id, Status: StatusHealthy},
				Breaker: BreakerState{State: StateClosed},
			}
		}
		snap[id] = st
	}
	return snap
}

func deriveStatus(r Record, breaker State) Status {
	switch {
	case breaker == StateOpen:
		return StatusUnavailable
	case breaker == StateHalfOpen, r.ConsecutiveFailures > 0, r.ErrorRate >= 0.5:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func ewma(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return prev*(1-ewmaAlpha) + sample*ewmaAlpha
}
