// Package scheduler runs the recurring event lifecycle pass: reminders
// ahead of events, expiry handling and cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/gateway"
	"github.com/nhle/taskbot/internal/store"
)

// State represents what the scheduler is doing.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State     State
	LastRun   time.Time
	LastError error
	Last      PassResult
	Passes    int
}

// passTimeout bounds a single pass including delivery.
const passTimeout = 2 * time.Minute

// Options tune a Scheduler.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler periodically reconciles events against the clock.
type Scheduler struct {
	repo *store.Repository
	gw   gateway.Gateway
	log  logrus.FieldLogger

	interval     time.Duration
	initialDelay time.Duration
	now          func() time.Time

	triggerCh chan struct{}
	passMu    sync.Mutex

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler.
func New(repo *store.Repository, gw gateway.Gateway, log logrus.FieldLogger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 300 * time.Second
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		repo:         repo,
		gw:           gw,
		log:          log,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		now:          opts.Now,
		triggerCh:    make(chan struct{}, 1),
	}
}

// Run executes passes until ctx is cancelled: once after the initial
// delay, then every interval and whenever Trigger is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":      s.interval.String(),
		"initial_delay": s.initialDelay.String(),
	}).Info("scheduler started")

	delay := time.NewTimer(s.initialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-delay.C:
		s.pass(ctx)
	case <-s.triggerCh:
		s.pass(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.pass(ctx)
		case <-s.triggerCh:
			s.pass(ctx)
		}
	}
}

// Trigger requests an immediate pass from Run.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
		// A pass is already queued.
	}
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RunOnce performs a single pass synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.setState(StateRunning)
	now := s.now()

	var (
		notices []Notice
		res     PassResult
	)
	err := s.repo.Mutate(ctx, func(snap *store.Snapshot) error {
		notices, res = Reconcile(snap, now, s.log)
		return nil
	})
	if err != nil {
		// Flags and releases were not saved; the next pass retries them.
		s.log.WithError(err).Error("scheduler: saving pass failed")
		s.finish(now, PassResult{Skipped: res.Skipped}, err)
		return PassResult{}, err
	}
	res.Persisted = res.Changed()

	for _, n := range notices {
		d := s.gw.SendToAudience(ctx, n.Audience, n.Text)
		if d.Failed > 0 {
			s.log.WithFields(logrus.Fields{
				"event_id": n.EventID,
				"failed":   d.Failed,
				"sent":     d.Sent,
			}).Warn("scheduler: some notices were not delivered")
		}
		res.Delivery.Add(d)
	}

	entry := s.log.WithFields(logrus.Fields{
		"reminders_24h": res.Reminders24h,
		"reminders_2h":  res.Reminders2h,
		"expired":       res.Expired,
		"released":      res.Released,
		"skipped":       res.Skipped,
		"sent":          res.Delivery.Sent,
		"failed":        res.Delivery.Failed,
	})
	if res.Changed() {
		entry.Info("scheduler pass complete")
	} else {
		entry.Debug("scheduler pass complete")
	}

	s.finish(now, res, nil)
	return res, nil
}

func (s *Scheduler) pass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

func (s *Scheduler) finish(at time.Time, res PassResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.LastRun = at
	s.status.Last = res
	s.status.LastError = err
	s.status.Passes++
	if err != nil {
		s.status.State = StateError
		return
	}
	s.status.State = StateIdle
}
