// Package task drives the unattended part of billing: the lifecycle transitions and the billing cycle,
// on a recurring schedule.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shiftwise/billing/billing"
	"github.com/shiftwise/billing/subscription"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const lockName = "billing-pass"

var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrPassInProgress = errors.New("a billing pass is already in progress")
)

type LifecycleRunner interface {
	Run(ctx context.Context) subscription.LifecycleResult
}

type CycleRunner interface {
	RunCycle(ctx context.Context) billing.CycleResult
}

type SchedulerOptions struct {
	Lifecycle    LifecycleRunner
	Cycle        CycleRunner
	Locker       Locker // optional
	Logger       *zap.Logger
	Interval     time.Duration
	InitialDelay time.Duration
	LockTTL      time.Duration
}

type state int

const (
	stateIdle state = iota
	stateRunning
)

// Scheduler owns the recurring billing pass. It is idle until Start and returns to idle on Stop.
type Scheduler struct {
	SchedulerOptions

	mu     sync.Mutex
	state  state
	cron   *cron.Cron
	cancel context.CancelFunc

	inFlight int32
}

func NewScheduler(option SchedulerOptions) (*Scheduler, error) {
	if option.Lifecycle == nil {
		return nil, fmt.Errorf("nil Lifecycle is invalid")
	}
	if option.Cycle == nil {
		return nil, fmt.Errorf("nil Cycle is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval < time.Second {
		option.Interval = time.Hour
	}
	if option.InitialDelay < 0 {
		option.InitialDelay = 0
	}
	if option.LockTTL <= 0 {
		option.LockTTL = option.Interval - option.Interval/12
	}
	return &Scheduler{
		SchedulerOptions: option,
	}, nil
}

// PassReport is the outcome of one pass. Skipped is set when another process held the lock.
type PassReport struct {
	Lifecycle subscription.LifecycleResult `json:"lifecycle"`
	Billing   billing.CycleResult          `json:"billing"`
	Skipped   bool                         `json:"skipped"`
}

// delayedSchedule fires once at first, then every delay after that. Only the cron goroutine calls Next.
type delayedSchedule struct {
	first   time.Time
	every   cron.ConstantDelaySchedule
	started bool
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if !s.started {
		s.started = true
		if s.first.Before(t) {
			return t
		}
		return s.first
	}
	return s.every.Next(t)
}

// Start schedules the first pass after InitialDelay and one every Interval after that
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateRunning {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.Logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(&delayedSchedule{
		first: time.Now().Add(s.InitialDelay),
		every: cron.Every(s.Interval),
	}, cron.FuncJob(func() {
		_, err := s.RunOnce(runCtx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrPassInProgress):
			s.Logger.Warn("Scheduled billing pass skipped, previous pass still running")
		default:
			s.Logger.Error("Scheduled billing pass failed", zap.Error(err))
		}
	}))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.state = stateRunning

	s.Logger.Info("Billing scheduler started",
		zap.Duration("Interval", s.Interval),
		zap.Duration("InitialDelay", s.InitialDelay),
	)
	return nil
}

// Stop cancels the schedule and waits for a pass in flight to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateIdle {
		return ErrNotRunning
	}

	s.cancel()
	<-s.cron.Stop().Done()

	s.cron = nil
	s.cancel = nil
	s.state = stateIdle

	s.Logger.Info("Billing scheduler stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// RunOnce runs the lifecycle transitions and then the billing cycle. Passes never overlap within a
// process; with a Locker they do not overlap across processes either.
func (s *Scheduler) RunOnce(ctx context.Context) (PassReport, error) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return PassReport{}, ErrPassInProgress
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	if s.Locker != nil {
		token, acquired, err := s.Locker.TryLock(ctx, lockName, s.LockTTL)
		if err != nil {
			return PassReport{}, err
		}
		if !acquired {
			s.Logger.Info("Billing pass skipped, another process holds the lock")
			return PassReport{Skipped: true}, nil
		}
		defer func() {
			if err := s.Locker.Unlock(context.Background(), lockName, token); err != nil {
				s.Logger.Warn("Unable to release billing lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	report := PassReport{
		Lifecycle: s.Lifecycle.Run(ctx),
	}
	if ctx.Err() == nil {
		report.Billing = s.Cycle.RunCycle(ctx)
	}

	s.Logger.Info("Billing pass completed",
		zap.Duration("Took", time.Since(start)),
		zap.Int("TrialsConverted", report.Lifecycle.Trials.Processed),
		zap.Int("Suspended", report.Lifecycle.Suspensions.Processed),
		zap.Int("Renewed", report.Lifecycle.Renewals.Processed),
		zap.Int("Billed", report.Billing.Billed),
		zap.Int("Failed", report.Lifecycle.Trials.Failed+report.Lifecycle.Suspensions.Failed+report.Lifecycle.Renewals.Failed+report.Billing.Failed),
	)
	return report, ctx.Err()
}

// cronLogger routes cron's own logging to zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
