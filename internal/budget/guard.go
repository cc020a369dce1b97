// Package budget enforces per-session daily and monthly spending ceilings.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// DefaultHoldTTL bounds how long an unsettled reservation counts against a
// session. It must exceed the longest provider timeout.
const DefaultHoldTTL = 5 * time.Minute

// Limits are USD ceilings. A non-positive limit disables that check.
type Limits struct {
	DailyUSD   float64       `yaml:"daily_limit_usd"`
	MonthlyUSD float64       `yaml:"monthly_limit_usd"`
	HoldTTL    time.Duration `yaml:"reservation_ttl"`
}

// Hold is one in-flight reservation.
type Hold struct {
	AmountUSD float64   `json:"amountUsd"`
	At        time.Time `json:"at"`
}

// State is the persisted budget record for one session.
type State struct {
	SessionID       string          `json:"sessionId"`
	TotalCostUSD    float64         `json:"totalCostUsd"`
	OperationsCount int64           `json:"operationsCount"`
	DailyUsage      float64         `json:"dailyUsage"`
	MonthlyUsage    float64         `json:"monthlyUsage"`
	ReservedUSD     float64         `json:"reservedUsd"`
	Holds           map[string]Hold `json:"holds,omitempty"`
	DailyLimit      float64         `json:"dailyLimit"`
	MonthlyLimit    float64         `json:"monthlyLimit"`
	DayKey          string          `json:"dayKey"`
	MonthKey        string          `json:"monthKey"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DailyUtilization is the share of the daily limit already spent or reserved.
func (s State) DailyUtilization() float64 {
	if s.DailyLimit <= 0 {
		return 0
	}
	return (s.DailyUsage + s.ReservedUSD) / s.DailyLimit
}

// ExceededError reports which ceiling a spend would cross.
type ExceededError struct {
	SessionID    string
	Period       Period
	CurrentUsage float64
	Limit        float64
	Estimated    float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s usage %.6f + %.6f would exceed limit %.6f",
		e.Period, e.CurrentUsage, e.Estimated, e.Limit)
}

// Guard checks and records spend against the shared store.
type Guard struct {
	store  store.Store
	clock  clock.Clock
	limits Limits
	logger *logrus.Logger
}

func NewGuard(s store.Store, c clock.Clock, limits Limits, logger *logrus.Logger) *Guard {
	if limits.HoldTTL <= 0 {
		limits.HoldTTL = DefaultHoldTTL
	}
	return &Guard{store: s, clock: c, limits: limits, logger: logger}
}

func (g *Guard) Limits() Limits {
	return g.limits
}

func key(sessionID string) string {
	return "budget/" + sessionID
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// rollover resets the window counters when the UTC day or month changed and
// drops holds left behind by an instance that died mid-attempt. Lifetime
// totals are never touched.
func (g *Guard) rollover(s *State, sessionID string, now time.Time) bool {
	changed := false
	if s.SessionID == "" {
		s.SessionID = sessionID
		changed = true
	}
	for id, h := range s.Holds {
		if now.Sub(h.At) > g.limits.HoldTTL {
			delete(s.Holds, id)
			changed = true
		}
	}
	s.sumHolds()
	if d := dayKey(now); s.DayKey != d {
		s.DayKey = d
		s.DailyUsage = 0
		changed = true
	}
	if m := monthKey(now); s.MonthKey != m {
		s.MonthKey = m
		s.MonthlyUsage = 0
		changed = true
	}
	s.DailyLimit = g.limits.DailyUSD
	s.MonthlyLimit = g.limits.MonthlyUSD
	return changed
}

func (s *State) sumHolds() {
	total := 0.0
	for _, h := range s.Holds {
		total += h.AmountUSD
	}
	s.ReservedUSD = total
}

func (s *State) dropHold(id string) {
	if id == "" {
		return
	}
	delete(s.Holds, id)
	s.sumHolds()
}

func (g *Guard) check(s *State, estimated float64) *ExceededError {
	if g.limits.DailyUSD > 0 && s.DailyUsage+s.ReservedUSD+estimated > g.limits.DailyUSD {
		return &ExceededError{
			SessionID:    s.SessionID,
			Period:       PeriodDaily,
			CurrentUsage: s.DailyUsage + s.ReservedUSD,
			Limit:        g.limits.DailyUSD,
			Estimated:    estimated,
		}
	}
	if g.limits.MonthlyUSD > 0 && s.MonthlyUsage+s.ReservedUSD+estimated > g.limits.MonthlyUSD {
		return &ExceededError{
			SessionID:    s.SessionID,
			Period:       PeriodMonthly,
			CurrentUsage: s.MonthlyUsage + s.ReservedUSD,
			Limit:        g.limits.MonthlyUSD,
			Estimated:    estimated,
		}
	}
	return nil
}

// State returns the session's budget with windows rolled to the current time.
func (g *Guard) State(ctx context.Context, sessionID string) (State, error) {
	s, _, err := store.GetJSON[State](ctx, g.store, key(sessionID))
	if err != nil {
		return s, err
	}
	g.rollover(&s, sessionID, g.clock.Now())
	return s, nil
}

// Check returns an *ExceededError when spending estimated would cross a limit.
func (g *Guard) Check(ctx context.Context, sessionID string, estimated float64) error {
	s, err := g.State(ctx, sessionID)
	if err != nil {
		return err
	}
	if exceeded := g.check(&s, estimated); exceeded != nil {
		return exceeded
	}
	return nil
}

// CanSpend reports whether estimated fits under both ceilings.
func (g *Guard) CanSpend(ctx context.Context, sessionID string, estimated float64) (bool, error) {
	err := g.Check(ctx, sessionID, estimated)
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Charge records an actual spend. The charge is applied even when it pushes
// usage over a limit; the pre-check is where limits are enforced.
func (g *Guard) Charge(ctx context.Context, sessionID string, actual float64) (State, error) {
	return g.apply(ctx, sessionID, "", actual)
}

func (g *Guard) apply(ctx context.Context, sessionID, holdID string, actual float64) (State, error) {
	if actual < 0 {
		actual = 0
	}
	st, err := store.UpdateJSON(ctx, g.store, key(sessionID), func(s *State) (bool, error) {
		now := g.clock.Now()
		g.rollover(s, sessionID, now)
		s.dropHold(holdID)
		s.TotalCostUSD += actual
		s.DailyUsage += actual
		s.MonthlyUsage += actual
		s.OperationsCount++
		s.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return st, fmt.Errorf("charge budget for session %s: %w", sessionID, err)
	}

	g.logger.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"cost_usd":      actual,
		"daily_usage":   st.DailyUsage,
		"monthly_usage": st.MonthlyUsage,
		"total_cost":    st.TotalCostUSD,
	}).Debug("Budget charged")
	return st, nil
}

// Reservation holds estimated spend against a session until the attempt
// finishes. Exactly one of Commit or Release should be called.
type Reservation struct {
	guard     *Guard
	sessionID string
	id        string
	amount    float64
	done      bool
}

func (r *Reservation) Amount() float64 {
	return r.amount
}

// Reserve atomically checks estimated against both ceilings and holds it so
// that concurrent requests cannot spend the same headroom.
func (g *Guard) Reserve(ctx context.Context, sessionID string, estimated float64) (*Reservation, error) {
	if estimated < 0 {
		estimated = 0
	}
	holdID := uuid.NewString()
	var exceeded *ExceededError
	_, err := store.UpdateJSON(ctx, g.store, key(sessionID), func(s *State) (bool, error) {
		now := g.clock.Now()
		changed := g.rollover(s, sessionID, now)
		exceeded = g.check(s, estimated)
		if exceeded != nil {
			return changed, nil
		}
		if s.Holds == nil {
			s.Holds = make(map[string]Hold)
		}
		s.Holds[holdID] = Hold{AmountUSD: estimated, At: now}
		s.sumHolds()
		s.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve budget for session %s: %w", sessionID, err)
	}
	if exceeded != nil {
		g.logger.WithFields(logrus.Fields{
			"session_id":    sessionID,
			"period":        exceeded.Period,
			"current_usage": exceeded.CurrentUsage,
			"limit":         exceeded.Limit,
			"estimated":     estimated,
		}).Warn("Budget exceeded")
		return nil, exceeded
	}
	return &Reservation{guard: g, sessionID: sessionID, id: holdID, amount: estimated}, nil
}

// Commit releases the hold and charges the actual cost.
func (r *Reservation) Commit(ctx context.Context, actual float64) (State, error) {
	if r.done {
		return State{}, fmt.Errorf("reservation for session %s already settled", r.sessionID)
	}
	r.done = true
	return r.guard.apply(ctx, r.sessionID, r.id, actual)
}

// Release returns the hold without charging anything.
func (r *Reservation) Release(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	_, err := store.UpdateJSON(ctx, r.guard.store, key(r.sessionID), func(s *State) (bool, error) {
		r.guard.rollover(s, r.sessionID, r.guard.clock.Now())
		s.dropHold(r.id)
		return true, nil
	})
	return err
}
