package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		OpenDuration:     30 * time.Second,
	}
}

// BreakerState is the persisted per-provider breaker record. The zero value
// is a closed breaker with no recorded failures.
type BreakerState struct {
	State          State       `json:"state"`
	OpenedAt       time.Time   `json:"openedAt,omitempty"`
	FailureCount   int         `json:"failureCount"`
	Failures       []time.Time `json:"failures,omitempty"`
	TrialInFlight  bool        `json:"trialInFlight,omitempty"`
	TrialStartedAt time.Time   `json:"trialStartedAt,omitempty"`
}

func (s BreakerState) current() State {
	if s.State == "" {
		return StateClosed
	}
	return s.State
}

// CircuitBreaker gates calls to one provider. All state lives in the shared
// store and every transition is a compare-and-swap, so any number of router
// instances can share one breaker.
type CircuitBreaker struct {
	provider types.ProviderID
	config   BreakerConfig
	store    store.Store
	clock    clock.Clock
	logger   *logrus.Logger
}

func NewCircuitBreaker(provider types.ProviderID, config BreakerConfig, s store.Store, c clock.Clock, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		provider: provider,
		config:   config,
		store:    s,
		clock:    c,
		logger:   logger,
	}
}

func (b *CircuitBreaker) key() string {
	return "breaker/" + string(b.provider)
}

// Snapshot returns the current state, applying a due OPEN to HALF_OPEN
// transition. It never claims the half-open trial.
func (b *CircuitBreaker) Snapshot(ctx context.Context) (BreakerState, error) {
	var transitioned bool
	st, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		transitioned = b.expireOpen(s, b.clock.Now())
		return transitioned, nil
	})
	if err != nil {
		return st, err
	}
	if transitioned {
		b.logTransition(StateOpen, StateHalfOpen)
	}
	st.State = st.current()
	return st, nil
}

// Allow decides whether an attempt may proceed. In HALF_OPEN exactly one
// caller is admitted until that trial reports back.
func (b *CircuitBreaker) Allow(ctx context.Context) (bool, error) {
	var (
		allowed      bool
		transitioned bool
	)
	_, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		now := b.clock.Now()
		transitioned = b.expireOpen(s, now)
		switch s.current() {
		case StateOpen:
			allowed = false
			return transitioned, nil
		case StateHalfOpen:
			// A trial that never reported back (crashed instance) is
			// abandoned after one open period.
			if s.TrialInFlight && now.Sub(s.TrialStartedAt) < b.config.OpenDuration {
				allowed = false
				return transitioned, nil
			}
			s.TrialInFlight = true
			s.TrialStartedAt = now
			allowed = true
			return true, nil
		default:
			allowed = true
			return transitioned, nil
		}
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		b.logTransition(StateOpen, StateHalfOpen)
	}
	return allowed, nil
}

func (b *CircuitBreaker) RecordSuccess(ctx context.Context) (BreakerState, error) {
	var from State
	st, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		now := b.clock.Now()
		b.expireOpen(s, now)
		from = s.current()
		switch from {
		case StateHalfOpen:
			*s = BreakerState{State: StateClosed}
			return true, nil
		case StateClosed:
			return b.prune(s, now), nil
		}
		// A late success from a call admitted before the breaker opened
		// does not close it.
		return false, nil
	})
	if err == nil && from == StateHalfOpen {
		b.logTransition(StateHalfOpen, StateClosed)
	}
	st.State = st.current()
	return st, err
}

func (b *CircuitBreaker) RecordFailure(ctx context.Context) (BreakerState, error) {
	var from, to State
	st, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		now := b.clock.Now()
		b.expireOpen(s, now)
		from = s.current()
		to = from
		switch from {
		case StateHalfOpen:
			s.State = StateOpen
			s.OpenedAt = now
			s.TrialInFlight = false
			s.TrialStartedAt = time.Time{}
			to = StateOpen
		case StateClosed:
			b.prune(s, now)
			s.Failures = append(s.Failures, now)
			s.FailureCount = len(s.Failures)
			s.State = StateClosed
			if s.FailureCount >= b.config.FailureThreshold {
				s.State = StateOpen
				s.OpenedAt = now
				s.Failures = nil
				to = StateOpen
			}
		default:
			return false, nil
		}
		return true, nil
	})
	if err == nil && from != to {
		b.logTransition(from, to)
	}
	st.State = st.current()
	return st, err
}

// ReleaseTrial gives back a half-open trial that was admitted but never used.
func (b *CircuitBreaker) ReleaseTrial(ctx context.Context) error {
	_, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		if s.current() != StateHalfOpen || !s.TrialInFlight {
			return false, nil
		}
		s.TrialInFlight = false
		s.TrialStartedAt = time.Time{}
		return true, nil
	})
	return err
}

// ForceOpen opens the breaker regardless of recorded failures.
func (b *CircuitBreaker) ForceOpen(ctx context.Context) (BreakerState, error) {
	st, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		*s = BreakerState{State: StateOpen, OpenedAt: b.clock.Now()}
		return true, nil
	})
	if err == nil {
		b.logger.WithField("provider", b.provider).Warn("Circuit breaker forced open")
	}
	return st, err
}

// Reset closes the breaker and forgets recorded failures.
func (b *CircuitBreaker) Reset(ctx context.Context) (BreakerState, error) {
	st, err := store.UpdateJSON(ctx, b.store, b.key(), func(s *BreakerState) (bool, error) {
		*s = BreakerState{State: StateClosed}
		return true, nil
	})
	if err == nil {
		b.logger.WithField("provider", b.provider).Info("Circuit breaker reset")
	}
	return st, err
}

func (b *CircuitBreaker) expireOpen(s *BreakerState, now time.Time) bool {
	if s.current() != StateOpen || now.Sub(s.OpenedAt) < b.config.OpenDuration {
		return false
	}
	s.State = StateHalfOpen
	s.TrialInFlight = false
	s.TrialStartedAt = time.Time{}
	return true
}

// prune drops failures older than the trailing window.
func (b *CircuitBreaker) prune(s *BreakerState, now time.Time) bool {
	cutoff := now.Add(-b.config.FailureWindow)
	kept := s.Failures[:0]
	for _, t := range s.Failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	changed := len(kept) != len(s.Failures)
	s.Failures = kept
	s.FailureCount = len(kept)
	if len(kept) == 0 {
		s.Failures = nil
	}
	return changed
}

func (b *CircuitBreaker) logTransition(from, to State) {
	entry := b.logger.WithFields(logrus.Fields{
		"provider": b.provider,
		"from":     from,
		"to":       to,
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker state changed")
		return
	}
	entry.Info("Circuit breaker state changed")
}
