// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/mechsup/mech/coord"
	"github.com/mechsup/mech/worker"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Locking State = iota
	Starting
	Monitoring
	Recovering
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Locking:
		return "locking"
	case Starting:
		return "starting"
	case Monitoring:
		return "monitoring"
	case Recovering:
		return "recovering"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Driver runs the worker.  *worker.Docker implements it.
type Driver interface {
	Start(ctx context.Context, spec *worker.Spec) (worker.Status, error)
	Status(ctx context.Context) (worker.Status, error)
	Stop(ctx context.Context) error
}

// cause is why the main loop ended.
type cause int

const (
	causeComplete cause = iota
	causeFailure
	causeSignal
	causeWatch
)

func (c cause) String() string {
	switch c {
	case causeComplete:
		return "task completed"
	case causeSignal:
		return "termination signal"
	case causeWatch:
		return "watch failure"
	}
	return "failure"
}

// Snapshot is a point in time view of a Controller, for status reports.
type Snapshot struct {
	Task         string    `json:"task"`
	Instance     string    `json:"instance"`
	Environment  string    `json:"environment"`
	Host         string    `json:"host"`
	Worker       string    `json:"worker"`
	State        string    `json:"state"`
	WorkerStatus string    `json:"workerStatus"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	Starts       int       `json:"starts"`
	Recoveries   int       `json:"recoveries"`
	Restarts     int       `json:"restarts"`
	LastRecovery time.Time `json:"lastRecovery"`
	Serial       int64     `json:"serial,string"`
	CreateTime   time.Time `json:"createTime"`
	UpdateTime   time.Time `json:"updateTime"`
}

// Controller supervises one worker.  Run drives it from a single
// goroutine; Snapshot, WatchSerial and RequestRestart may be called from
// anywhere.
type Controller struct {
	cfg     Config
	coord   coord.Coordinator
	driver  Driver
	hooks   Hooks
	logger  *zap.SugaredLogger
	clock   clock.Clock
	metrics *Metrics

	// Owned by the Run goroutine.
	watch        coord.Watch
	lockHeld     bool
	recovery     recoveryState
	lastExit     int
	haveExit     bool
	shutdownDone bool
	outcome      int

	restart atomic.Bool

	snap Snapshot
	cvs  map[*sync.Cond]bool
	mx   sync.Mutex
}

type Option func(*Controller)

// WithLogger sets the logger.  The controller names it after the worker.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithClock sets the clock used for every delay and timestamp.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController returns a controller for the worker named by
// cfg.Identity.  A nil hooks means DefaultHooks.
func NewController(cfg Config, coordinator coord.Coordinator, driver Driver, hooks Hooks, opts ...Option) (*Controller, error) {
	if e := cfg.Identity.Validate(); e != nil {
		return nil, e
	}
	if coordinator == nil || driver == nil {
		return nil, errors.New("Controller needs a coordinator and a driver")
	}
	if hooks == nil {
		hooks = DefaultHooks{}
	}
	c := &Controller{
		coord:  coordinator,
		driver: driver,
		hooks:  hooks,
		logger: zap.NewNop().Sugar(),
		clock:  clock.RealClock{},
		cvs:    make(map[*sync.Cond]bool),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.Named(cfg.Identity.WorkerName())

	if cfg.Environment == "" {
		c.logger.Warnf("No environment set, defaulting to '%s'", DefaultEnvironment)
		cfg.Environment = DefaultEnvironment
	}
	cfg.setDefaults()
	c.cfg = cfg

	now := c.clock.Now()
	c.snap = Snapshot{
		Task:         cfg.Identity.Task,
		Instance:     cfg.Identity.InstanceID,
		Environment:  cfg.Environment,
		Host:         cfg.Host,
		Worker:       cfg.Identity.WorkerName(),
		State:        Locking.String(),
		WorkerStatus: worker.NotFound.String(),
		Serial:       1,
		CreateTime:   now,
		UpdateTime:   now,
	}
	return c, nil
}

// Session implementation.

func (c *Controller) Identity() Identity {
	return c.cfg.Identity
}

func (c *Controller) Environment() string {
	return c.cfg.Environment
}

func (c *Controller) Logger() *zap.SugaredLogger {
	return c.logger
}

func (c *Controller) RequestRestart() {
	c.logger.Infof("Worker restart requested")
	c.restart.Store(true)
}

func (c *Controller) StopWorker(ctx context.Context) error {
	c.logger.Infof("Stopping worker %s", c.cfg.Identity.WorkerName())
	return c.driver.Stop(ctx)
}

func (c *Controller) Signal(ctx context.Context, key string) error {
	c.logger.Infof("Signaling %s", key)
	return c.coord.Set(ctx, key, "true")
}

// Run supervises the worker until the task completes, supervision fails,
// or ctx is cancelled.  Whatever happens, the shutdown sequence runs
// before Run returns.  The result is the process exit status.
func (c *Controller) Run(ctx context.Context) int {
	why, e := c.supervise(ctx)
	if e != nil {
		c.logger.Errorf("Fatal: %v", e)
	}
	return c.shutdown(context.WithoutCancel(ctx), why)
}

func (c *Controller) supervise(ctx context.Context) (cause, error) {
	c.setState(Locking)
	key := c.cfg.Identity.LockKey()
	ok, e := c.coord.AcquireLock(ctx, key, c.cfg.Host)
	if e != nil {
		return causeFailure, e
	}
	if !ok {
		return causeFailure, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	c.lockHeld = true

	w, e := c.coord.Watch(ctx, c.cfg.WatchPrefix)
	if e != nil {
		return causeFailure, fmt.Errorf("%w: %v", ErrWatch, e)
	}
	c.watch = w

	c.setState(Starting)
	if e := c.startWorker(ctx); e != nil {
		return c.failed(ctx, e)
	}
	c.setState(Monitoring)

	for {
		if ctx.Err() != nil {
			c.logger.Infof("Received termination signal")
			return causeSignal, nil
		}

		st, e := c.driver.Status(ctx)
		if e != nil {
			return c.failed(ctx, e)
		}
		c.setWorker(st)
		switch st.State {
		case worker.Exited:
			c.metrics.exited(st.ExitCode)
			c.hooks.WorkerExited(c)
			c.recordExit(st.ExitCode, true)
			if st.ExitCode == 0 {
				c.logger.Infof("Worker exited with exit code: 0")
				if c.hooks.TaskCompleted(c, 0) {
					return causeComplete, nil
				}
			} else {
				c.logger.Errorf("Worker exited with exit code: %d", st.ExitCode)
			}
			if e := c.recoverWorker(ctx); e != nil {
				return c.failed(ctx, e)
			}

		case worker.NotFound:
			c.logger.Errorf("Worker %s has disappeared", c.cfg.Identity.WorkerName())
			c.hooks.WorkerExited(c)
			c.recordExit(0, false)
			if e := c.recoverWorker(ctx); e != nil {
				return c.failed(ctx, e)
			}
		}

		evs, e := c.watch.Changes()
		for _, ev := range evs {
			c.metrics.changed()
			c.logger.Infof("Configuration changed: %s", ev.Key)
			c.hooks.ConfigChanged(c, ev.Key)
		}
		if e != nil {
			return causeWatch, fmt.Errorf("%w: %v", ErrWatch, e)
		}

		if c.restart.Swap(false) {
			if e := c.restartWorker(ctx); e != nil {
				return c.failed(ctx, e)
			}
		}

		c.clock.Sleep(c.cfg.LoopInterval)
	}
}

// failed classifies an error that ended the main loop.  Errors caused by
// a cancelled ctx are a signal, not a failure.
func (c *Controller) failed(ctx context.Context, e error) (cause, error) {
	if ctx.Err() != nil {
		c.logger.Infof("Received termination signal")
		return causeSignal, nil
	}
	return causeFailure, e
}

func (c *Controller) startWorker(ctx context.Context) error {
	spec, e := c.hooks.ConfigureWorker(c)
	if e != nil {
		return fmt.Errorf("configure worker: %w", e)
	}
	if spec == nil {
		return fmt.Errorf("configure worker: %w", ErrNoImage)
	}
	st, e := c.driver.Start(ctx, spec)
	if e != nil {
		return e
	}
	c.metrics.started()
	c.update(func(s *Snapshot) { s.Starts++ })
	c.setWorker(st)

	if st.Running() {
		c.logger.Infof("Worker %s started successfully", c.cfg.Identity.WorkerName())
		c.hooks.WorkerStarted(c)
		return nil
	}
	c.logger.Errorf("Worker %s exited prematurely with exit code: %d",
		c.cfg.Identity.WorkerName(), st.ExitCode)
	c.metrics.exited(st.ExitCode)
	c.recordExit(st.ExitCode, true)
	c.clock.Sleep(c.cfg.CrashSettle)
	return c.recoverWorker(ctx)
}

func (c *Controller) recoverWorker(ctx context.Context) error {
	c.setState(Recovering)
	c.logger.Infof("Attempting to recover worker")
	now := c.clock.Now()
	if e := c.recovery.attempt(now, c.cfg.RecoveryCooldown); e != nil {
		c.metrics.recovery(false)
		return fmt.Errorf("%w: last recovery at %s", e, c.recovery.last.Format(time.RFC3339))
	}
	c.metrics.recovery(true)
	c.update(func(s *Snapshot) {
		s.Recoveries = c.recovery.count
		s.LastRecovery = now
	})
	if e := c.startWorker(ctx); e != nil {
		return e
	}
	c.setState(Monitoring)
	return nil
}

// restartWorker replaces a healthy worker.  The old worker's exit is
// expected, so it neither counts against the recovery cooldown nor
// triggers a recovery.
func (c *Controller) restartWorker(ctx context.Context) error {
	c.setState(Starting)
	c.logger.Infof("Restarting worker %s", c.cfg.Identity.WorkerName())
	st, e := c.stopWorker(ctx)
	if e != nil {
		return e
	}
	c.metrics.restarted()
	c.update(func(s *Snapshot) { s.Restarts++ })
	c.hooks.WorkerExited(c)
	if st.State == worker.Exited {
		c.recordExit(st.ExitCode, true)
	}
	c.logger.Infof("Starting new worker in %v", c.cfg.RestartSettle)
	c.clock.Sleep(c.cfg.RestartSettle)
	if e := c.startWorker(ctx); e != nil {
		return e
	}
	c.setState(Monitoring)
	return nil
}

// stopWorker runs the shutdown procedure, and waits for the worker to
// stop running.
func (c *Controller) stopWorker(ctx context.Context) (worker.Status, error) {
	if !c.hooks.WorkerShutdownProcedure(c) {
		if e := c.StopWorker(ctx); e != nil {
			return worker.Status{}, e
		}
	}
	deadline := c.clock.Now().Add(c.cfg.StopTimeout)
	for {
		c.clock.Sleep(c.cfg.StopPollInterval)
		st, e := c.driver.Status(ctx)
		if e != nil {
			return st, e
		}
		c.setWorker(st)
		if !st.Running() {
			return st, nil
		}
		if !c.clock.Now().Before(deadline) {
			return st, fmt.Errorf("%w: %s after %v", ErrStopTimeout,
				c.cfg.Identity.WorkerName(), c.cfg.StopTimeout)
		}
		c.logger.Infof("Waiting for worker shutdown")
	}
}

func (c *Controller) keepAlive(why cause) bool {
	switch why {
	case causeSignal:
		return c.cfg.KeepAliveOnSignal
	case causeWatch:
		return c.cfg.KeepAliveOnWatchFailure
	}
	return false
}

// shutdown leaves the lock and the worker in a terminal state, and
// decides the exit status.  Only the first call does anything.
func (c *Controller) shutdown(ctx context.Context, why cause) int {
	if c.shutdownDone {
		return c.outcome
	}
	c.shutdownDone = true
	c.setState(ShuttingDown)
	c.logger.Infof("Initiating shutdown sequence (%s)", why)

	// Without the lock, the worker belongs to someone else.
	if c.lockHeld {
		st, e := c.driver.Status(ctx)
		switch {
		case e != nil:
			c.logger.Errorf("Cannot determine worker status: %v", e)
			c.haveExit = false
		case st.Running() && c.keepAlive(why):
			c.logger.Warnf("Leaving worker %s running", c.cfg.Identity.WorkerName())
			c.haveExit = false
		case st.Running():
			c.logger.Infof("Stopping worker process")
			st, e = c.stopWorker(ctx)
			if e != nil {
				c.logger.Errorf("Failed to stop worker: %v", e)
				c.haveExit = false
				break
			}
			c.hooks.WorkerExited(c)
			c.recordExit(st.ExitCode, st.State == worker.Exited)
		case st.State == worker.Exited:
			c.recordExit(st.ExitCode, true)
		}
	}

	if c.watch != nil {
		if e := c.watch.Close(); e != nil {
			c.logger.Warnf("Failed to close watch: %v", e)
		}
		c.watch = nil
	}

	if c.lockHeld {
		c.logger.Infof("Releasing lock for %s", c.cfg.Identity.WorkerName())
		if e := c.coord.ReleaseLock(ctx, c.cfg.Identity.LockKey()); e != nil {
			c.logger.Errorf("Failed to release lock: %v", e)
		}
		c.lockHeld = false
	}

	c.outcome = 1
	if (why == causeComplete || why == causeSignal) &&
		c.haveExit && c.lastExit == 0 && c.hooks.TaskCompleted(c, 0) {
		c.outcome = 0
		c.logger.Infof("Worker task completed. Exiting")
	} else {
		c.logger.Errorf("Exiting due to %s", why)
	}
	c.setState(Terminated)
	return c.outcome
}

func (c *Controller) recordExit(code int, known bool) {
	c.lastExit = code
	c.haveExit = known
	c.update(func(s *Snapshot) {
		switch {
		case !known:
			s.ExitCode = nil
		case s.ExitCode == nil || *s.ExitCode != code:
			s.ExitCode = &code
		}
	})
}

func (c *Controller) setState(st State) {
	c.metrics.setState(st)
	c.update(func(s *Snapshot) { s.State = st.String() })
}

func (c *Controller) setWorker(st worker.Status) {
	c.metrics.setRunning(st.Running())
	c.update(func(s *Snapshot) { s.WorkerStatus = st.String() })
}

// update changes the snapshot, and wakes up watchers if anything changed.
func (c *Controller) update(fn func(*Snapshot)) {
	c.mx.Lock()
	old := c.snap
	fn(&c.snap)
	if c.snap != old {
		c.snap.Serial++
		c.snap.UpdateTime = c.clock.Now()
		for cv := range c.cvs {
			cv.Broadcast()
		}
	}
	c.mx.Unlock()
}

// Snapshot returns the current view of the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mx.Lock()
	s := c.snap
	c.mx.Unlock()
	if s.ExitCode != nil {
		code := *s.ExitCode
		s.ExitCode = &code
	}
	return s
}

// WatchSerial waits for the snapshot serial to differ from old, and
// returns the new serial.  If nothing changes within expire, old is
// returned.  An expire of 0 polls.
func (c *Controller) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&c.mx)
	var timer *time.Timer
	var rv int64

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			c.mx.Lock()
			expired = true
			cv.Broadcast()
			c.mx.Unlock()
		})
	} else {
		expired = true
	}

	c.mx.Lock()
	c.cvs[cv] = true
	for {
		rv = c.snap.Serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(c.cvs, cv)
	c.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}
