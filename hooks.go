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

	"go.uber.org/zap"

	"github.com/mechsup/mech/worker"
)

// Session is what hooks get to see of the controller that calls them.
type Session interface {
	Identity() Identity
	Environment() string
	Logger() *zap.SugaredLogger

	// RequestRestart asks for the worker to be restarted.  The restart
	// happens on the next pass of the main loop, after the current hook
	// returns.  Requests made before then are merged.
	RequestRestart()

	// StopWorker asks the runtime to stop the worker.  It does not wait.
	StopWorker(ctx context.Context) error

	// Signal bumps key in the store, so that supervisors watching it
	// see a change.
	Signal(ctx context.Context, key string) error
}

// Hooks carry the policy for a task.  Hooks are called from the
// controller's main loop, one at a time.  Embed DefaultHooks to pick up
// the default for everything not implemented.
type Hooks interface {
	// ConfigureWorker describes the worker to start.  It is called
	// before every start, including restarts and recoveries.
	ConfigureWorker(s Session) (*worker.Spec, error)

	// WorkerStarted is called once the worker is running.
	WorkerStarted(s Session)

	// WorkerExited is called once for every worker that stops, whether
	// it crashed or was stopped.  Clean up configuration here.
	WorkerExited(s Session)

	// ConfigChanged is called for every change below the watched
	// prefix, in order.
	ConfigChanged(s Session, key string)

	// WorkerShutdownProcedure stops the worker in some custom way.  It
	// returns false if it did nothing, in which case the worker is
	// stopped by the runtime.
	WorkerShutdownProcedure(s Session) bool

	// TaskCompleted is asked after the worker exited with code 0,
	// and again when deciding the exit status.  Returning true ends
	// supervision successfully; false recovers the worker.
	TaskCompleted(s Session, exitCode int) bool
}

// DefaultHooks implements every hook with its default behavior.  Since
// no image can be guessed, ConfigureWorker fails with ErrNoImage.
type DefaultHooks struct{}

func (DefaultHooks) ConfigureWorker(Session) (*worker.Spec, error) {
	return nil, ErrNoImage
}

func (DefaultHooks) WorkerStarted(Session) {}

func (DefaultHooks) WorkerExited(Session) {}

func (DefaultHooks) ConfigChanged(Session, string) {}

func (DefaultHooks) WorkerShutdownProcedure(Session) bool {
	return false
}

func (DefaultHooks) TaskCompleted(Session, int) bool {
	return false
}

var _ Hooks = DefaultHooks{}
