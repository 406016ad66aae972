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
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const mongoManifest = `
image: mongo:3.0
volumes:
  /tmp: /tmp
env:
  something: "true"
ports:
  "200": "300"
hostname: mongohost
flags:
  init:
  network: host
completeOnSuccess: true
restartOn: ["/signals/mongo"]
signalOnStart: ["/signals/mongo-clients"]
`

func TestLoadManifest(t *testing.T) {
	Convey("A manifest describes the worker", t, func() {
		m, e := LoadManifest(strings.NewReader(mongoManifest))
		So(e, ShouldBeNil)

		spec := m.Spec()
		So(spec.Image, ShouldEqual, "mongo:3.0")
		So(spec.Volumes, ShouldResemble, map[string]string{"/tmp": "/tmp"})
		So(spec.Env["something"], ShouldEqual, "true")
		So(spec.Ports["200"], ShouldEqual, "300")
		So(spec.Hostname, ShouldEqual, "mongohost")
		So(spec.Flags, ShouldContainKey, "init")
		So(spec.Flags["init"], ShouldBeNil)
		So(*spec.Flags["network"], ShouldEqual, "host")
		So(spec.Validate(), ShouldBeNil)

		Convey("Specs are fresh copies", func() {
			spec.Env["something"] = "else"
			So(m.Spec().Env["something"], ShouldEqual, "true")
		})
	})

	Convey("JSON manifests work too", t, func() {
		m, e := LoadManifest(strings.NewReader(`{"image": "redis", "args": ["--appendonly", "yes"]}`))
		So(e, ShouldBeNil)
		So(m.Spec().Args, ShouldResemble, []string{"--appendonly", "yes"})
		So(m.CompleteOnSuccess, ShouldBeFalse)
	})

	Convey("Bad manifests are rejected", t, func() {
		_, e := LoadManifest(strings.NewReader("command: mongod\n"))
		So(errors.Is(e, ErrBadManifest), ShouldBeTrue)

		_, e = LoadManifest(strings.NewReader("image: mongo\nimgae: mongo\n"))
		So(errors.Is(e, ErrBadManifest), ShouldBeTrue)

		_, e = LoadManifestFile("/nonexistent/mongo.yaml")
		So(e, ShouldNotBeNil)
	})
}

func TestManifestHooks(t *testing.T) {
	m, e := LoadManifest(strings.NewReader(mongoManifest))
	if e != nil {
		t.Fatalf("LoadManifest: %v", e)
	}

	Convey("Manifest hooks follow the manifest", t, func() {
		r := newTestRig()
		c := r.controller(t)
		h := NewManifestHooks(m)

		spec, e := h.ConfigureWorker(c)
		So(e, ShouldBeNil)
		So(spec.Image, ShouldEqual, "mongo:3.0")

		So(h.TaskCompleted(c, 0), ShouldBeTrue)
		So(h.TaskCompleted(c, 1), ShouldBeFalse)
		So(h.WorkerShutdownProcedure(c), ShouldBeFalse)

		Convey("Unrelated changes are ignored", func() {
			h.ConfigChanged(c, "/signals/redis")
			So(c.restart.Load(), ShouldBeFalse)
		})

		Convey("Watched changes restart the worker", func() {
			h.ConfigChanged(c, "/signals/mongo")
			So(c.restart.Load(), ShouldBeTrue)
		})

		Convey("Starting the worker bumps its signals", func() {
			h.WorkerStarted(c)
			v, ok := r.coord.Get("/signals/mongo-clients")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "true")
		})
	})
}
