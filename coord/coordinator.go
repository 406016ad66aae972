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

// Package coord provides the primitives supervisors use to coordinate
// with one another: an exclusive lock per task instance, and a watch on a
// key prefix of the shared store.  Two backends are provided.  Etcd talks
// to an etcd server using the v2 keys API, and gives real exclusion
// between hosts.  Local keeps everything in process memory; it satisfies
// the same contract, but excludes nobody outside the process and never
// reports changes.
package coord

import (
	"context"
	"errors"
)

var (
	ErrWatchBroken = errors.New("Watch is broken")
	ErrWatchClosed = errors.New("Watch is closed")
)

// ChangeEvent reports that a key below a watched prefix changed.  Events
// are delivered in store order; repeated changes to the same key are
// delivered repeatedly.
type ChangeEvent struct {
	Key string
}

// Coordinator is implemented by the store backends.
type Coordinator interface {
	// AcquireLock atomically creates key with value, if it does not
	// exist.  It returns true if the caller owns the lock afterwards.
	AcquireLock(ctx context.Context, key, value string) (bool, error)

	// ReleaseLock deletes key unconditionally.  Releasing a lock that
	// does not exist is not an error.
	ReleaseLock(ctx context.Context, key string) error

	// Watch starts watching every key below prefix.  The watch runs
	// until it is closed, independent of ctx.
	Watch(ctx context.Context, prefix string) (Watch, error)

	// Set stores value at key, creating it if needed.
	Set(ctx context.Context, key, value string) error
}

// Watch is a stream of change events, filled in the background.
type Watch interface {
	// Changes returns the events buffered so far, in order, without
	// blocking.  It returns an empty slice when nothing happened.  Once
	// the stream has ended, the remaining buffered events are returned
	// first, and then every call fails with ErrWatchBroken (or
	// ErrWatchClosed after Close).
	Changes() ([]ChangeEvent, error)

	// Close stops the watch.  It is safe to call more than once.
	Close() error
}
