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
	"errors"
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLocal(t *testing.T) {
	Convey("Given a local coordinator", t, func() {
		l := NewLocal()
		ctx := context.Background()

		Convey("Locks are exclusive", func() {
			ok, _ := l.AcquireLock(ctx, lockKey, "host-a")
			So(ok, ShouldBeTrue)
			ok, _ = l.AcquireLock(ctx, lockKey, "host-b")
			So(ok, ShouldBeFalse)
			// No reclaiming: present means taken.
			ok, _ = l.AcquireLock(ctx, lockKey, "host-a")
			So(ok, ShouldBeFalse)

			So(l.ReleaseLock(ctx, lockKey), ShouldBeNil)
			So(l.ReleaseLock(ctx, lockKey), ShouldBeNil)
			ok, _ = l.AcquireLock(ctx, lockKey, "host-b")
			So(ok, ShouldBeTrue)
		})

		Convey("Concurrent acquires have one winner", func() {
			var wg sync.WaitGroup
			results := make(chan bool, 32)
			for i := 0; i < cap(results); i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, _ := l.AcquireLock(ctx, lockKey, fmt.Sprint(i))
					results <- ok
				}(i)
			}
			wg.Wait()
			close(results)
			wins := 0
			for ok := range results {
				if ok {
					wins++
				}
			}
			So(wins, ShouldEqual, 1)
		})

		Convey("Set stores values", func() {
			So(l.Set(ctx, "/signals/mongo", "true"), ShouldBeNil)
			v, ok := l.Get("/signals/mongo")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "true")
		})

		Convey("Watches never yield", func() {
			w, err := l.Watch(ctx, "/signals/")
			So(err, ShouldBeNil)
			So(l.Set(ctx, "/signals/mongo", "true"), ShouldBeNil)
			evs, err := w.Changes()
			So(err, ShouldBeNil)
			So(len(evs), ShouldEqual, 0)
			So(w.Close(), ShouldBeNil)
			_, err = w.Changes()
			So(errors.Is(err, ErrWatchClosed), ShouldBeTrue)
		})
	})
}

func TestStream(t *testing.T) {
	Convey("Buffered events come before the failure", t, func() {
		boom := errors.New("connection reset")
		s := newStream(context.Background(), 8, func(_ context.Context, emit emitFunc) error {
			emit(ChangeEvent{Key: "/a"})
			emit(ChangeEvent{Key: "/b"})
			emit(ChangeEvent{Key: "/c"})
			return boom
		})
		<-s.done
		evs, err := s.Changes()
		So(evs, ShouldResemble, []ChangeEvent{{Key: "/a"}, {Key: "/b"}, {Key: "/c"}})
		So(errors.Is(err, ErrWatchBroken), ShouldBeTrue)
		_, err = s.Changes()
		So(errors.Is(err, ErrWatchBroken), ShouldBeTrue)
	})

	Convey("A drain returns at most a buffer's worth", t, func() {
		s := newStream(context.Background(), 2, func(ctx context.Context, emit emitFunc) error {
			for i := 0; ; i++ {
				if !emit(ChangeEvent{Key: fmt.Sprint(i)}) {
					return ctx.Err()
				}
			}
		})
		defer s.Close()
		var got []ChangeEvent
		So(eventually(func() bool {
			evs, err := s.Changes()
			So(err, ShouldBeNil)
			So(len(evs), ShouldBeLessThanOrEqualTo, 2)
			got = append(got, evs...)
			return len(got) >= 6
		}), ShouldBeTrue)
		for i := range got {
			So(got[i].Key, ShouldEqual, fmt.Sprint(i))
		}
	})

	Convey("Closing a cancelled context's watch still works", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := newStream(ctx, 1, func(ctx context.Context, _ emitFunc) error {
			<-ctx.Done()
			return ctx.Err()
		})
		evs, err := s.Changes()
		So(err, ShouldBeNil)
		So(len(evs), ShouldEqual, 0)
		So(s.Close(), ShouldBeNil)
	})
}
