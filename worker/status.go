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

package worker

import (
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
)

// State is the normalized runtime state of a worker container.
type State int

const (
	NotFound State = iota // No such container
	Created               // Created, but never started
	Running               // Running
	Exited                // Ran, and has since finished
)

func (s State) String() string {
	switch s {
	case NotFound:
		return "not-found"
	case Created:
		return "created"
	case Running:
		return "running"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the result of a single status poll.  ExitCode is only
// meaningful when State is Exited.  Statuses are never cached; each
// call to Status on the driver inspects the runtime again.
type Status struct {
	State    State
	ExitCode int
}

func (s Status) String() string {
	if s.State == Exited {
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	}
	return s.State.String()
}

// Running reports whether the worker is running.
func (s Status) Running() bool {
	return s.State == Running
}

// parseStamp parses a runtime timestamp.  The runtime reports times that
// have never happened as the zero time ("0001-01-01T00:00:00Z").
func parseStamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// mapState converts the runtime's view of a container into a Status.
// A missing or unparsable state is reported as NotFound.  A state that
// matches none of the known patterns is an error, because supervising
// based on an unknown state is not safe.
func mapState(st *container.State) (Status, error) {
	if st == nil {
		return Status{State: NotFound}, nil
	}
	started, e := parseStamp(st.StartedAt)
	if e != nil {
		return Status{State: NotFound}, nil
	}
	finished, e := parseStamp(st.FinishedAt)
	if e != nil {
		return Status{State: NotFound}, nil
	}
	switch {
	case started.IsZero():
		return Status{State: Created}, nil
	case st.Running:
		return Status{State: Running}, nil
	case !finished.IsZero():
		return Status{State: Exited, ExitCode: st.ExitCode}, nil
	}
	return Status{State: NotFound}, fmt.Errorf("%w: running=%v started=%s finished=%s",
		ErrIncoherentStatus, st.Running, st.StartedAt, st.FinishedAt)
}
