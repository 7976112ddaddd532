package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/metrics"

	"golang.org/x/time/rate"
)

// ErrDoubleStop is passed to the fatal handler when Stop is called during a stop.
var ErrDoubleStop = errors.New("supervisor stop requested while already stopping")

// Options tune the supervisor.
type Options struct {
	StuckAfter    time.Duration
	StopTimeout   time.Duration
	Interval      time.Duration
	RestartBurst  int
	RestartWindow time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	// Fatal ends the process; tests replace it.
	Fatal func(error)
}

// OptionsFromConfig maps worker configuration to supervisor options.
func OptionsFromConfig(cfg config.WorkersConfig) Options {
	return Options{
		StuckAfter:    time.Duration(cfg.StuckAfterSec) * time.Second,
		StopTimeout:   time.Duration(cfg.StopTimeoutSec) * time.Second,
		Interval:      time.Duration(cfg.SuperviseIntervalMS) * time.Millisecond,
		RestartBurst:  cfg.RestartBurst,
		RestartWindow: time.Duration(cfg.RestartWindowSec) * time.Second,
	}
}

// Supervisor owns an ordered set of workers and restarts the unhealthy ones.
type Supervisor struct {
	workers []*Worker
	budgets map[string]*rate.Limiter
	opts    Options

	mu       sync.Mutex
	stopping bool
	stopped  bool
}

// NewSupervisor creates supervisor.
// Params: options (zero values use defaults) and workers in start order.
// Returns: supervisor.
func NewSupervisor(opts Options, workers ...*Worker) *Supervisor {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.RestartBurst <= 0 {
		opts.RestartBurst = 5
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fatal == nil {
		logger := opts.Logger
		opts.Fatal = func(err error) {
			logger.Error("supervisor fatal", "error", err.Error())
			os.Exit(1)
		}
	}
	budgets := make(map[string]*rate.Limiter, len(workers))
	every := rate.Every(opts.RestartWindow / time.Duration(opts.RestartBurst))
	for _, w := range workers {
		budgets[w.Name()] = rate.NewLimiter(every, opts.RestartBurst)
	}
	return &Supervisor{workers: workers, budgets: budgets, opts: opts}
}

// Workers returns supervised workers in start order.
func (s *Supervisor) Workers() []*Worker {
	return append([]*Worker(nil), s.workers...)
}

// Start starts every worker in order.
// Params: none.
// Returns: first start error; workers started before it are stopped again.
func (s *Supervisor) Start() error {
	for i, w := range s.workers {
		if err := w.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.workers[j].Stop(s.opts.StopTimeout)
			}
			return fmt.Errorf("start worker %s: %w", w.Name(), err)
		}
	}
	s.opts.Logger.Info("workers started", "count", len(s.workers))
	return nil
}

// Run starts workers, supervises them every interval, and stops them when ctx ends.
// Params: context.
// Returns: start or stop error.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check restarts workers that died or are stuck outside running state.
// An exhausted restart budget is fatal.
func (s *Supervisor) Check() {
	s.mu.Lock()
	idle := s.stopping || s.stopped
	s.mu.Unlock()
	if idle {
		return
	}
	now := s.opts.Clock.Now()
	for _, w := range s.workers {
		reason := s.restartReason(w, now)
		if reason == "" {
			continue
		}
		if !s.budgets[w.Name()].AllowN(now, 1) {
			s.opts.Fatal(fmt.Errorf("%w: %s restart budget exhausted", domain.ErrWorkerFailure, w.Name()))
			return
		}
		s.opts.Logger.Warn("restarting worker", "worker", w.Name(), "reason", reason)
		if reason == "stuck" {
			if err := w.Stop(s.opts.StopTimeout); err != nil {
				s.opts.Logger.Error("stuck worker stop failed", "worker", w.Name(), "error", err.Error())
			}
		}
		if err := w.Start(); err != nil {
			s.opts.Logger.Error("worker restart failed", "worker", w.Name(), "error", err.Error())
			continue
		}
		metrics.WorkerRestarts.WithLabelValues(w.Name(), reason).Inc()
	}
}

func (s *Supervisor) restartReason(w *Worker, now time.Time) string {
	state, since := w.Status()
	switch state {
	case StateRunning:
		return ""
	case StateStopped:
		if w.Err() != nil {
			return "failed"
		}
		return "stopped"
	default:
		if now.Sub(since) > s.opts.StuckAfter {
			return "stuck"
		}
		return ""
	}
}

// Stopping reports a stop in progress.
func (s *Supervisor) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop stops workers in start order. A second Stop while the first is running is fatal.
// Params: none.
// Returns: joined worker stop errors.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.opts.Fatal(ErrDoubleStop)
		return ErrDoubleStop
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	var errs []error
	for _, w := range s.workers {
		if err := w.Stop(s.opts.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.stopping = false
	s.stopped = true
	s.mu.Unlock()
	s.opts.Logger.Info("workers stopped")
	return errors.Join(errs...)
}
