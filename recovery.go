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
	"time"
)

// recoveryState rate limits recoveries to one per cooldown period.
type recoveryState struct {
	last  time.Time
	count int
}

// attempt records a recovery at now, unless the previous one happened
// less than cooldown ago.
func (r *recoveryState) attempt(now time.Time, cooldown time.Duration) error {
	if !r.last.IsZero() && now.Before(r.last.Add(cooldown)) {
		return ErrRecoveryCooldown
	}
	r.last = now
	r.count++
	return nil
}
