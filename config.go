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
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultEnvironment = "production"
	DefaultWatchPrefix = "/signals/"

	DefaultLoopInterval     = time.Second
	DefaultRecoveryCooldown = time.Minute
	DefaultCrashSettle      = 5 * time.Second
	DefaultRestartSettle    = 5 * time.Second
	DefaultStopPollInterval = 2 * time.Second
	DefaultStopTimeout      = 2 * time.Minute
)

// Identity names the worker a supervisor is responsible for.  Both parts
// are required.
type Identity struct {
	Task       string
	InstanceID string
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.Task) == "" {
		return ErrNoTask
	}
	if strings.TrimSpace(id.InstanceID) == "" {
		return ErrNoInstance
	}
	return nil
}

// LockKey is the store key whose existence marks the identity as taken.
func (id Identity) LockKey() string {
	return "/managers/" + id.Task + "/ids/" + id.InstanceID
}

// WorkerName is the container name of the worker.
func (id Identity) WorkerName() string {
	return id.Task + "-" + id.InstanceID
}

func (id Identity) String() string {
	return id.WorkerName()
}

// SignalKey returns the conventional signal key for a task.  Bumping it
// tells the supervisors watching it that the task's configuration changed.
func SignalKey(task string) string {
	return DefaultWatchPrefix + task
}

// Config is everything a Controller needs to know up front.  Zero
// durations take the defaults above.
type Config struct {
	Identity Identity

	// Environment is the deployment label.  It is handed to the worker,
	// and used as the image tag when the image has none.
	Environment string

	// Host identifies this supervisor as the lock holder.
	Host string

	// WatchPrefix is the key prefix whose changes are reported to
	// Hooks.ConfigChanged.
	WatchPrefix string

	// Leave the worker running when supervision ends because of a
	// termination signal, or because the watch broke.
	KeepAliveOnSignal       bool
	KeepAliveOnWatchFailure bool

	LoopInterval     time.Duration
	RecoveryCooldown time.Duration
	CrashSettle      time.Duration
	RestartSettle    time.Duration
	StopPollInterval time.Duration
	StopTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = HostIdentity()
	}
	if c.WatchPrefix == "" {
		c.WatchPrefix = DefaultWatchPrefix
	}
	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.LoopInterval, DefaultLoopInterval},
		{&c.RecoveryCooldown, DefaultRecoveryCooldown},
		{&c.CrashSettle, DefaultCrashSettle},
		{&c.RestartSettle, DefaultRestartSettle},
		{&c.StopPollInterval, DefaultStopPollInterval},
		{&c.StopTimeout, DefaultStopTimeout},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
}

// HostIdentity returns the host name, or a random identity if the host
// name cannot be determined.  A random identity can never reclaim a lock
// left behind by a previous run.
func HostIdentity() string {
	if h, e := os.Hostname(); e == nil && h != "" {
		return h
	}
	return "mech-" + uuid.NewString()
}
