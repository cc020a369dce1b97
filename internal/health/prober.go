package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Checker is the part of a provider the prober needs.
type Checker interface {
	ProviderID() types.ProviderID
	HealthCheck(ctx context.Context) error
}

// Prober periodically health-checks every provider and feeds the results
// into the tracker. Probe results update health records only; the circuit
// breaker is driven by real traffic.
type Prober struct {
	tracker  *Tracker
	checkers []Checker
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProber(tracker *Tracker, checkers []Checker, interval, timeout time.Duration, c clock.Clock, logger *logrus.Logger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		tracker:  tracker,
		checkers: checkers,
		interval: interval,
		timeout:  timeout,
		clock:    c,
		logger:   logger,
	}
}

// Start runs an initial probe and then probes on every interval until Stop
// is called or ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()

	p.logger.WithFields(logrus.Fields{
		"providers": len(p.checkers),
		"interval":  p.interval,
	}).Info("Health prober started")
}

// Stop halts the probe loop and waits for the in-flight round to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("Health prober stopped")
}

// ProbeOnce checks every provider concurrently and records the outcomes.
func (p *Prober) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, checker := range p.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			p.probe(ctx, c)
		}(checker)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, c Checker) {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	err := c.HealthCheck(checkCtx)
	latency := p.clock.Now().Sub(start)

	if ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the provider
		return
	}

	fields := logrus.Fields{
		"provider":   c.ProviderID(),
		"latency_ms": latency.Milliseconds(),
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Warn("Provider health check failed")
	} else {
		p.logger.WithFields(fields).Debug("Provider health check passed")
	}

	if recErr := p.tracker.RecordProbe(context.WithoutCancel(ctx), c.ProviderID(), latency, err); recErr != nil {
		p.logger.WithError(recErr).WithField("provider", c.ProviderID()).Warn("Failed to record health probe")
	}
}
