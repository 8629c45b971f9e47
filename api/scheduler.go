/*
scheduler.go - Automated overdue sweep scheduler

PURPOSE:
  Calls Engine.Tick on a cron schedule so lapsed obligations become overdue
  without anyone pressing POST /api/admin/sweep.

DESIGN:
  - robfig/cron drives the schedule; SkipIfStillRunning drops a fire that
    arrives while the previous sweep is still going
  - Engine.Tick refuses overlapping sweeps on its own as well, so a manual
    sweep racing the scheduler is reported, not doubled
  - One sweep runs immediately on Start to catch up after downtime

USAGE:
  scheduler, err := NewSweepScheduler(engine, "5 0 * * *", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - installment/engine.go: Tick
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/installment-engine/installment"
)

// Ticker is the part of installment.Engine the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (installment.SweepReport, error)
	Clock() installment.Clock
}

// SweepScheduler runs the overdue sweep periodically.
type SweepScheduler struct {
	engine Ticker
	spec   string
	log    logrus.FieldLogger

	cron    *cron.Cron
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	// Timeout bounds a single sweep. Zero means no limit.
	Timeout time.Duration
}

// NewSweepScheduler parses spec (five-field cron or a descriptor such as
// "@hourly") and prepares, but does not start, the scheduler.
func NewSweepScheduler(engine Ticker, spec string, log logrus.FieldLogger) (*SweepScheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "sweep_scheduler")

	cl := cronLogger{log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &SweepScheduler{engine: engine, spec: spec, log: log, cron: c}
	if _, err := c.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the scheduler and runs one catch-up sweep in the background.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.cron.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(context.Background())
	}()
	s.log.WithField("schedule", s.spec).Info("sweep scheduler started")
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("sweep scheduler stopped")
}

// RunOnce performs one sweep as of the engine clock. An overlapping sweep
// is logged and skipped.
func (s *SweepScheduler) RunOnce(ctx context.Context) (installment.SweepReport, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	report, err := s.engine.Tick(ctx, s.engine.Clock().Now())
	switch {
	case errors.Is(err, installment.ErrSweepInProgress):
		s.log.Info("sweep skipped, previous sweep still running")
	case err != nil:
		s.log.WithError(err).Error("scheduled sweep failed")
	}
	return report, err
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
