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
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSpecReference(t *testing.T) {
	Convey("Image references", t, func() {
		ref := func(img string) string {
			s := &Spec{Image: img}
			r, e := s.Reference("production")
			So(e, ShouldBeNil)
			return r
		}
		So(ref("mongo"), ShouldEqual, "mongo:production")
		So(ref("mongo:3.0"), ShouldEqual, "mongo:3.0")
		So(ref("registry.local:5000/team/app"), ShouldEqual, "registry.local:5000/team/app:production")
		digest := "mongo@sha256:" +
			"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		So(ref(digest), ShouldEqual, digest)

		Convey("A bad environment label is a bad image", func() {
			s := &Spec{Image: "mongo"}
			_, e := s.Reference("not a tag")
			So(errors.Is(e, ErrBadImage), ShouldBeTrue)
		})
	})
}

func TestSpecValidate(t *testing.T) {
	Convey("Validation", t, func() {
		var nilSpec *Spec
		So(errors.Is(nilSpec.Validate(), ErrNoImage), ShouldBeTrue)
		So(errors.Is((&Spec{}).Validate(), ErrNoImage), ShouldBeTrue)

		s := &Spec{
			Image: "mongo",
			Env:   map[string]string{"MSG": `say "hi" and 'bye'`},
			Args:  []string{`--eval`, `print("it's")`},
		}
		So(s.Validate(), ShouldBeNil)

		Convey("Variable names may not contain =", func() {
			s.Env["A=B"] = "c"
			So(errors.Is(s.Validate(), ErrBadSpec), ShouldBeTrue)
		})
		Convey("NUL bytes are rejected", func() {
			s.Args = append(s.Args, "a\x00b")
			So(errors.Is(s.Validate(), ErrBadSpec), ShouldBeTrue)
		})
		Convey("Empty volumes are rejected", func() {
			s.Volumes = map[string]string{"/data": ""}
			So(errors.Is(s.Validate(), ErrBadSpec), ShouldBeTrue)
		})
	})

	Convey("The environment label always wins", t, func() {
		s := &Spec{Image: "mongo", Env: map[string]string{EnvironmentVar: "dev", "B": "2", "A": "1"}}
		So(s.envList("production"), ShouldResemble, []string{"A=1", "B=2", "ENVIRONMENT=production"})
	})

	Convey("Command precedes arguments", t, func() {
		So((&Spec{Args: []string{"-v"}}).cmdList(), ShouldResemble, []string{"-v"})
		So((&Spec{Command: "run", Args: []string{"-v"}}).cmdList(), ShouldResemble, []string{"run", "-v"})
	})
}
