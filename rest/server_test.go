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

package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/mechsup/mech"
)

type testSource struct {
	snap     mech.Snapshot
	restarts int
	changed  chan struct{}
	mx       sync.Mutex
}

func newTestSource() *testSource {
	return &testSource{
		snap: mech.Snapshot{
			Task:         "mongo",
			Instance:     "2",
			Worker:       "mongo-2",
			State:        "monitoring",
			WorkerStatus: "running",
			Serial:       7,
		},
		changed: make(chan struct{}, 1),
	}
}

func (s *testSource) Snapshot() mech.Snapshot {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.snap
}

func (s *testSource) WatchSerial(old int64, expire time.Duration) int64 {
	if s.Snapshot().Serial == old {
		select {
		case <-s.changed:
		case <-time.After(expire):
		}
	}
	return s.Snapshot().Serial
}

func (s *testSource) RequestRestart() {
	s.mx.Lock()
	s.restarts++
	s.mx.Unlock()
}

func (s *testSource) setState(state string) {
	s.mx.Lock()
	s.snap.State = state
	s.snap.Serial++
	s.mx.Unlock()
	s.changed <- struct{}{}
}

func TestHandler(t *testing.T) {
	Convey("Given a served supervisor", t, func() {
		src := newTestSource()
		log := mech.NewLog(10)
		log.Write([]byte("Worker mongo-2 started successfully\n"))
		reg := prometheus.NewRegistry()
		mech.NewMetrics(reg, mech.Identity{Task: "mongo", InstanceID: "2"})

		srv := httptest.NewServer(NewHandler(src, log, reg))
		defer srv.Close()
		c := NewClient(nil, srv.URL)
		ctx := context.Background()

		Convey("Status reports the snapshot", func() {
			info, e := c.Status(ctx)
			So(e, ShouldBeNil)
			So(info.Worker, ShouldEqual, "mongo-2")
			So(info.State, ShouldEqual, "monitoring")
			So(info.Serial, ShouldEqual, 7)
			So(info.etag, ShouldEqual, "7")
		})

		Convey("Watching the status returns changes", func() {
			info, e := c.Status(ctx)
			So(e, ShouldBeNil)
			go func() {
				time.Sleep(20 * time.Millisecond)
				src.setState("recovering")
			}()
			next, e := c.WatchStatus(ctx, info)
			So(e, ShouldBeNil)
			So(next.State, ShouldEqual, "recovering")
			So(next.Serial, ShouldEqual, 8)
		})

		Convey("An unchanged status is not sent again", func() {
			info, e := c.Status(ctx)
			So(e, ShouldBeNil)
			c.SetWait(time.Second)
			same, e := c.WatchStatus(ctx, info)
			So(e, ShouldBeNil)
			So(same, ShouldEqual, info)
		})

		Convey("The log is served", func() {
			l, e := c.Log(ctx)
			So(e, ShouldBeNil)
			So(len(l.Records), ShouldEqual, 1)
			So(l.Records[0].Text, ShouldEqual, "Worker mongo-2 started successfully")

			go func() {
				time.Sleep(20 * time.Millisecond)
				log.Write([]byte("Restarting worker mongo-2\n"))
			}()
			l, e = c.WatchLog(ctx, l)
			So(e, ShouldBeNil)
			So(len(l.Records), ShouldEqual, 2)
		})

		Convey("Restarts are passed on", func() {
			So(c.Restart(ctx), ShouldBeNil)
			So(src.restarts, ShouldEqual, 1)
		})

		Convey("Metrics are served", func() {
			res, e := http.Get(srv.URL + "/metrics")
			So(e, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Unknown routes fail", func() {
			e := c.post(ctx, srv.URL+"/status")
			So(e, ShouldNotBeNil)
			So(e.(*Error).Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	Convey("Without a log there is no /log", t, func() {
		srv := httptest.NewServer(NewHandler(newTestSource(), nil, nil))
		defer srv.Close()
		_, e := NewClient(nil, srv.URL+"/").Log(context.Background())
		So(e, ShouldNotBeNil)
		So(strings.Contains(e.Error(), "404"), ShouldBeTrue)
	})
}
