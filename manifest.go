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
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mechsup/mech/worker"
)

const signalTimeout = 30 * time.Second

// Manifest describes a worker, and the policy around it, declaratively.
// It is read from YAML (or JSON, which is a subset).
//
//	image: mongo:3.0
//	volumes: {"/tmp": "/tmp"}
//	ports: {"200": "300"}
//	hostname: mongohost
//	completeOnSuccess: false
//	restartOn: ["/signals/mongo"]
//	signalOnStart: ["/signals/mongo-clients"]
type Manifest struct {
	Image    string             `yaml:"image"`
	Command  string             `yaml:"command"`
	Args     []string           `yaml:"args"`
	Env      map[string]string  `yaml:"env"`
	Volumes  map[string]string  `yaml:"volumes"`
	Ports    map[string]string  `yaml:"ports"`
	Hostname string             `yaml:"hostname"`
	Flags    map[string]*string `yaml:"flags"`

	// CompleteOnSuccess makes a zero exit code final.  Otherwise a
	// worker that exits cleanly is started again.
	CompleteOnSuccess bool `yaml:"completeOnSuccess"`

	// RestartOn lists key prefixes.  A change to a key below any of
	// them restarts the worker.
	RestartOn []string `yaml:"restartOn"`

	// Keys to bump once the worker started, or after it exited.
	SignalOnStart []string `yaml:"signalOnStart"`
	SignalOnExit  []string `yaml:"signalOnExit"`
}

// LoadManifest decodes a manifest.  Unknown fields are an error, since
// they are most likely misspelled.
func LoadManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	m := &Manifest{}
	if e := dec.Decode(m); e != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, e)
	}
	if m.Image == "" {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, ErrNoImage)
	}
	return m, nil
}

// LoadManifestFile is LoadManifest for a named file.
func LoadManifestFile(name string) (*Manifest, error) {
	f, e := os.Open(name)
	if e != nil {
		return nil, e
	}
	defer f.Close()
	m, e := LoadManifest(f)
	if e != nil {
		return nil, fmt.Errorf("%s: %w", name, e)
	}
	return m, nil
}

// Spec returns a fresh worker spec.  Nothing is shared with the
// manifest, so the driver is free to modify it.
func (m *Manifest) Spec() *worker.Spec {
	return &worker.Spec{
		Image:    m.Image,
		Command:  m.Command,
		Args:     append([]string(nil), m.Args...),
		Env:      maps.Clone(m.Env),
		Volumes:  maps.Clone(m.Volumes),
		Ports:    maps.Clone(m.Ports),
		Hostname: m.Hostname,
		Flags:    maps.Clone(m.Flags),
	}
}

// ManifestHooks implements Hooks from a Manifest.
type ManifestHooks struct {
	DefaultHooks
	m *Manifest
}

func NewManifestHooks(m *Manifest) *ManifestHooks {
	return &ManifestHooks{m: m}
}

func (h *ManifestHooks) ConfigureWorker(Session) (*worker.Spec, error) {
	return h.m.Spec(), nil
}

func (h *ManifestHooks) WorkerStarted(s Session) {
	h.signal(s, h.m.SignalOnStart)
}

func (h *ManifestHooks) WorkerExited(s Session) {
	h.signal(s, h.m.SignalOnExit)
}

func (h *ManifestHooks) ConfigChanged(s Session, key string) {
	for _, prefix := range h.m.RestartOn {
		if strings.HasPrefix(key, prefix) {
			s.Logger().Infof("%s changed, restarting worker", key)
			s.RequestRestart()
			return
		}
	}
}

func (h *ManifestHooks) TaskCompleted(_ Session, code int) bool {
	return h.m.CompleteOnSuccess && code == 0
}

// signal failures are logged only; a missed signal must not take the
// worker down.
func (h *ManifestHooks) signal(s Session, keys []string) {
	for _, key := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		if e := s.Signal(ctx, key); e != nil {
			s.Logger().Warnf("Failed to signal %s: %v", key, e)
		}
		cancel()
	}
}

var _ Hooks = (*ManifestHooks)(nil)
