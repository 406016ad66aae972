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

// Package mech supervises a single containerized worker on behalf of a
// task.  A Controller owns exactly one worker, identified by the task name
// and an instance id.  It first takes an exclusive lock for that pair in a
// shared store, so that no two supervisors ever drive the same worker,
// then starts the worker and keeps it alive.
//
// Crashed workers are recovered, but at most once a minute; a worker that
// crashes more often than that ends supervision.  Keys changing below a
// watched prefix in the store are handed to the Hooks, which is where the
// policy for a given task lives.  Hooks may ask for an explicit restart,
// for example because the configuration of a dependency changed.
//
// However supervision ends, the shutdown sequence runs exactly once: the
// worker is stopped (unless configured to be left running), the watch is
// closed, and the lock is released.  The process exit status is 0 only if
// the worker's last exit code was 0 and the hooks agree that the task is
// complete.
//
// The coord package provides the store backends, and the worker package
// the container runtime driver.
package mech
