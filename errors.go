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
	"errors"

	"github.com/mechsup/mech/worker"
)

var (
	ErrNoTask           = errors.New("No task name assigned")
	ErrNoInstance       = errors.New("No instance id assigned")
	ErrNoImage          = worker.ErrNoImage
	ErrLockHeld         = errors.New("Task lock is held by another supervisor")
	ErrRecoveryCooldown = errors.New("Worker failed too often")
	ErrStopTimeout      = errors.New("Worker did not stop")
	ErrWatch            = errors.New("Configuration watch failed")
	ErrBadManifest      = errors.New("Bad manifest")
)
