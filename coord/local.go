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

package coord

import (
	"context"
	"sync"
)

// Local is an in-process Coordinator, for single node deployments and
// tests.  Locks are exclusive only among users of the same Local.
type Local struct {
	keys map[string]string
	mx   sync.Mutex
}

func NewLocal() *Local {
	return &Local{keys: make(map[string]string)}
}

func (l *Local) AcquireLock(_ context.Context, key, value string) (bool, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = value
	return true, nil
}

func (l *Local) ReleaseLock(_ context.Context, key string) error {
	l.mx.Lock()
	delete(l.keys, key)
	l.mx.Unlock()
	return nil
}

func (l *Local) Set(_ context.Context, key, value string) error {
	l.mx.Lock()
	l.keys[key] = value
	l.mx.Unlock()
	return nil
}

// Get returns the value stored at key.
func (l *Local) Get(key string) (string, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()
	v, ok := l.keys[key]
	return v, ok
}

// Watch returns a watch that never yields an event.
func (l *Local) Watch(ctx context.Context, _ string) (Watch, error) {
	return newStream(ctx, 1, func(ctx context.Context, _ emitFunc) error {
		<-ctx.Done()
		return ctx.Err()
	}), nil
}
