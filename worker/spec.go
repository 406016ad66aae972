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
	"fmt"
	"sort"
	"strings"

	"github.com/distribution/reference"
)

// Spec describes how to run a worker.  It is produced fresh each time a
// worker is started, and is not retained afterwards.  Only Image is
// mandatory.
type Spec struct {
	Image    string             // Image name, optionally with tag or digest
	Command  string             // Optional command, overrides the image's
	Args     []string           // Arguments, in order
	Env      map[string]string  // Environment variables
	Volumes  map[string]string  // Host path -> container path
	Ports    map[string]string  // Host port -> container port[/proto]
	Hostname string             // Defaults to the worker name
	Flags    map[string]*string // Runtime flags, see flags.go
}

// Validate checks the spec for values the runtime cannot be handed.
// Values travel through structured API fields and are never interpreted
// by a shell, so quotes need no escaping; NUL bytes can never be
// represented, and variable names may not contain '='.
func (s *Spec) Validate() error {
	if s == nil || s.Image == "" {
		return ErrNoImage
	}
	if strings.ContainsRune(s.Image, 0) {
		return fmt.Errorf("%w: image %q", ErrBadImage, s.Image)
	}
	for k, v := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("%w: environment variable %q", ErrBadSpec, k)
		}
		if strings.ContainsRune(v, 0) {
			return fmt.Errorf("%w: value of %s", ErrBadSpec, k)
		}
	}
	for host, ctr := range s.Volumes {
		if host == "" || ctr == "" ||
			strings.ContainsRune(host, 0) || strings.ContainsRune(ctr, 0) {
			return fmt.Errorf("%w: volume %q -> %q", ErrBadSpec, host, ctr)
		}
	}
	for host, ctr := range s.Ports {
		if host == "" || ctr == "" {
			return fmt.Errorf("%w: port %q -> %q", ErrBadSpec, host, ctr)
		}
	}
	if strings.ContainsRune(s.Command, 0) || strings.ContainsRune(s.Hostname, 0) {
		return fmt.Errorf("%w: command or hostname", ErrBadSpec)
	}
	for _, a := range s.Args {
		if strings.ContainsRune(a, 0) {
			return fmt.Errorf("%w: argument %q", ErrBadSpec, a)
		}
	}
	for name := range s.Flags {
		if _, ok := flagHandlers[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFlag, name)
		}
	}
	return nil
}

// Reference returns the image reference to run.  An image that already
// carries a tag or a digest is used as is; otherwise the environment
// label is used as the tag.
func (s *Spec) Reference(environment string) (string, error) {
	named, e := reference.ParseNormalizedNamed(s.Image)
	if e != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBadImage, s.Image, e)
	}
	if _, ok := named.(reference.Tagged); ok {
		return reference.FamiliarString(named), nil
	}
	if _, ok := named.(reference.Digested); ok {
		return reference.FamiliarString(named), nil
	}
	tagged, e := reference.WithTag(named, environment)
	if e != nil {
		return "", fmt.Errorf("%w: tag %q: %v", ErrBadImage, environment, e)
	}
	return reference.FamiliarString(tagged), nil
}

// envList renders the environment in a stable order.  The environment
// label always wins over a value supplied by the spec.
func (s *Spec) envList(environment string) []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		if k == EnvironmentVar {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return append(env, EnvironmentVar+"="+environment)
}

func (s *Spec) bindList() []string {
	binds := make([]string, 0, len(s.Volumes))
	for host, ctr := range s.Volumes {
		binds = append(binds, host+":"+ctr)
	}
	sort.Strings(binds)
	return binds
}

func (s *Spec) portList() []string {
	ports := make([]string, 0, len(s.Ports))
	for host, ctr := range s.Ports {
		ports = append(ports, host+":"+ctr)
	}
	sort.Strings(ports)
	return ports
}

func (s *Spec) cmdList() []string {
	var cmd []string
	if s.Command != "" {
		cmd = append(cmd, s.Command)
	}
	return append(cmd, s.Args...)
}
