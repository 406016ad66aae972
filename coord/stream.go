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
	"fmt"
	"sync"
)

const defaultBufferSize = 64

// emitFunc hands an event to the consumer.  It blocks while the buffer is
// full, and returns false once the stream is being closed.
type emitFunc func(ChangeEvent) bool

// producer runs in its own goroutine and fills the stream until it
// returns.  Any return ends the stream.
type producer func(ctx context.Context, emit emitFunc) error

// stream is the Watch shared by the backends.  The producer and the
// consumer only share the channel.
type stream struct {
	events chan ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
	closed bool
	mx     sync.Mutex
}

func newStream(ctx context.Context, size int, run producer) *stream {
	if size < 1 {
		size = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		events: make(chan ChangeEvent, size),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	emit := func(ev ChangeEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		e := run(ctx, emit)
		s.mx.Lock()
		s.err = e
		s.mx.Unlock()
		close(s.events)
		close(s.done)
	}()
	return s
}

// Changes never returns more than the buffer holds, so that a fast
// producer cannot keep the caller here.
func (s *stream) Changes() ([]ChangeEvent, error) {
	var evs []ChangeEvent
	for len(evs) < cap(s.events) {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return evs, s.failure()
			}
			evs = append(evs, ev)
		default:
			return evs, nil
		}
	}
	return evs, nil
}

func (s *stream) failure() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrWatchClosed
	}
	if s.err == nil {
		return ErrWatchBroken
	}
	return fmt.Errorf("%w: %v", ErrWatchBroken, s.err)
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.mx.Lock()
		s.closed = true
		s.mx.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}
