// Package worker runs long-lived loops with a cooperative start/freeze/thaw/stop contract.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escalator/internal/clock"
	"escalator/internal/domain"
	"escalator/internal/metrics"
)

// State is the observable lifecycle state of a worker.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFrozen
	StateStopping
)

// String returns state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFrozen:
		return "frozen"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyRunning rejects Start on a worker that is not stopped.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning rejects Freeze on a worker that is not running.
	ErrNotRunning = errors.New("worker not running")
	// ErrFreezeTimeout reports a worker that did not reach its suspended point in time.
	ErrFreezeTimeout = errors.New("worker freeze timeout")
	// ErrStopTimeout reports a worker abandoned after cancellation did not end it.
	ErrStopTimeout = errors.New("worker stop timeout")
)

// Control lets a loop body notice stop and freeze requests while it waits.
type Control interface {
	// ShouldYield reports a pending stop or freeze request.
	ShouldYield() bool
	// Interrupt is signalled when a request arrives.
	Interrupt() <-chan struct{}
}

// Body is one iteration of a worker loop.
type Body interface {
	Step(ctx context.Context, ctl Control) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, ctl Control) error

// Step calls f.
func (f BodyFunc) Step(ctx context.Context, ctl Control) error {
	return f(ctx, ctl)
}

// Worker repeatedly runs Body until stopped. Freeze is advisory: an iteration in
// flight finishes before the worker parks.
type Worker struct {
	name   string
	body   Body
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	since        time.Time
	changed      chan struct{}
	signal       chan struct{}
	freezeWanted bool
	stopWanted   bool
	gen          uint64
	cancel       context.CancelFunc
	done         chan struct{}
	err          error
}

// New creates stopped worker.
// Params: name, loop body, clock for state timestamps, and logger.
// Returns: worker.
func New(name string, body Body, clk clock.Clock, logger *slog.Logger) *Worker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:    name,
		body:    body,
		clock:   clk,
		logger:  logger.With("worker", name),
		since:   clk.Now(),
		changed: make(chan struct{}),
		signal:  make(chan struct{}, 1),
	}
	metrics.WorkerState.WithLabelValues(name).Set(float64(StateStopped))
	return w
}

// Name returns worker name.
func (w *Worker) Name() string {
	return w.name
}

// State returns current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns current state and when it was entered.
func (w *Worker) Status() (State, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.since
}

// Err returns the failure that ended the last run, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// ShouldYield reports a pending stop or freeze request.
func (w *Worker) ShouldYield() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopWanted || w.freezeWanted
}

// Interrupt returns channel signalled on stop, freeze, and thaw requests.
func (w *Worker) Interrupt() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signal
}

// Start launches the loop.
// Params: none.
// Returns: ErrAlreadyRunning unless stopped.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateStopped {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, w.name, w.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.gen++
	w.cancel = cancel
	w.done = make(chan struct{})
	w.signal = make(chan struct{}, 1)
	w.freezeWanted = false
	w.stopWanted = false
	w.err = nil
	w.setStateLocked(StateStarting)
	go w.run(ctx, w.gen, w.done)
	return nil
}

// Freeze asks the loop to park before its next iteration and waits for it.
// Params: maximum wait.
// Returns: ErrNotRunning or ErrFreezeTimeout; the request stays pending until Thaw either way.
func (w *Worker) Freeze(timeout time.Duration) error {
	w.mu.Lock()
	switch w.state {
	case StateFrozen:
		w.mu.Unlock()
		return nil
	case StateStarting, StateRunning:
	default:
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, w.name, state)
	}
	w.freezeWanted = true
	w.notifyLocked()
	w.mu.Unlock()
	if !w.await(StateFrozen, timeout) {
		return fmt.Errorf("%w: %s", ErrFreezeTimeout, w.name)
	}
	return nil
}

// Thaw withdraws a freeze request. It does not wait for the loop to resume.
func (w *Worker) Thaw() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.freezeWanted {
		return
	}
	w.freezeWanted = false
	w.notifyLocked()
}

// Stop ends the loop in two phases: a cooperative request, then context cancellation.
// Params: wait per phase.
// Returns: ErrStopTimeout when the goroutine had to be abandoned.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.stopWanted = true
	w.setStateLocked(StateStopping)
	w.notifyLocked()
	done, cancel, gen := w.done, w.cancel, w.gen
	w.mu.Unlock()

	if waitClosed(done, timeout) {
		return nil
	}
	w.logger.Warn("worker ignored stop request, cancelling", "timeout", timeout.String())
	cancel()
	if waitClosed(done, timeout) {
		return nil
	}

	w.mu.Lock()
	if w.gen == gen {
		w.gen++
		w.setStateLocked(StateStopped)
	}
	w.mu.Unlock()
	w.logger.Error("worker abandoned after stop timeout")
	return fmt.Errorf("%w: %s", ErrStopTimeout, w.name)
}

func (w *Worker) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		if !w.park(ctx, gen) {
			w.finish(gen, nil)
			return
		}
		if err := w.step(ctx); err != nil {
			w.finish(gen, err)
			return
		}
	}
}

// park blocks while frozen. It returns false once the loop must exit.
func (w *Worker) park(ctx context.Context, gen uint64) bool {
	for {
		w.mu.Lock()
		if w.gen != gen || w.stopWanted || ctx.Err() != nil {
			w.mu.Unlock()
			return false
		}
		if !w.freezeWanted {
			if w.state != StateRunning {
				w.setStateLocked(StateRunning)
			}
			w.mu.Unlock()
			return true
		}
		if w.state != StateFrozen {
			w.setStateLocked(StateFrozen)
		}
		signal := w.signal
		w.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
		}
	}
}

func (w *Worker) step(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %s panicked: %v", domain.ErrWorkerFailure, w.name, recovered)
		}
	}()
	if err := w.body.Step(ctx, w); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%w: %s: %w", domain.ErrWorkerFailure, w.name, err)
	}
	return nil
}

func (w *Worker) finish(gen uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return
	}
	if err != nil {
		w.err = err
		w.logger.Error("worker loop failed", "error", err.Error())
	}
	w.setStateLocked(StateStopped)
}

func (w *Worker) await(want State, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		w.mu.Lock()
		state, changed := w.state, w.changed
		w.mu.Unlock()
		if state == want {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return false
		}
	}
}

func (w *Worker) setStateLocked(state State) {
	w.state = state
	w.since = w.clock.Now()
	close(w.changed)
	w.changed = make(chan struct{})
	metrics.WorkerState.WithLabelValues(w.name).Set(float64(state))
	w.logger.Debug("worker state changed", "state", state.String())
}

func (w *Worker) notifyLocked() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func waitClosed(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
