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
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	// EnvironmentVar is always set in the worker's environment to the
	// active environment label.
	EnvironmentVar = "ENVIRONMENT"

	LabelWorker      = "mech.worker"
	LabelEnvironment = "mech.environment"

	defaultStartAttempts = 10
	defaultInspectTries  = 3
	defaultInspectDelay  = time.Second
	defaultStopTimeout   = 10 // seconds

	// DefaultLogDriver collects worker output, tagged with the worker
	// name, unless the spec picks a log driver of its own.
	DefaultLogDriver = "syslog"
)

// Docker runs a single, named worker container.  The name is
// deterministic, so that a restarted supervisor finds (and replaces) the
// container of its predecessor.
type Docker struct {
	api           RuntimeAPI
	name          string
	environment   string
	clock         clock.Clock
	logger        *zap.SugaredLogger
	startAttempts int
	inspectTries  uint
	inspectDelay  time.Duration
	stopTimeout   int
	logDriver     string
}

type DockerOption func(*Docker)

// WithClock sets the clock used for the start backoff.
func WithClock(c clock.Clock) DockerOption {
	return func(d *Docker) {
		d.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) DockerOption {
	return func(d *Docker) {
		d.logger = l
	}
}

// WithInspectRetry sets how often, and how far apart, a failing inspect
// is retried before the status poll reports an error.
func WithInspectRetry(tries uint, delay time.Duration) DockerOption {
	return func(d *Docker) {
		d.inspectTries = tries
		d.inspectDelay = delay
	}
}

// WithStopTimeout sets how many seconds the runtime waits for the worker
// to exit after the stop signal before killing it.
func WithStopTimeout(secs int) DockerOption {
	return func(d *Docker) {
		d.stopTimeout = secs
	}
}

// WithLogDriver sets the log driver used when the spec has no log-driver
// flag.  An empty driver leaves the choice to the runtime.
func WithLogDriver(driver string) DockerOption {
	return func(d *Docker) {
		d.logDriver = driver
	}
}

// NewDocker returns a driver for the worker with the given container name.
func NewDocker(api RuntimeAPI, name string, environment string, opts ...DockerOption) *Docker {
	d := &Docker{
		api:           api,
		name:          name,
		environment:   environment,
		clock:         clock.RealClock{},
		logger:        zap.NewNop().Sugar(),
		startAttempts: defaultStartAttempts,
		inspectTries:  defaultInspectTries,
		inspectDelay:  defaultInspectDelay,
		stopTimeout:   defaultStopTimeout,
		logDriver:     DefaultLogDriver,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name returns the container name of the worker.
func (d *Docker) Name() string {
	return d.name
}

// Start replaces any existing worker container with a new one built from
// spec, and waits for it to leave the created state.  The returned status
// is either Running or Exited; a worker that crashes on start is not an
// error here, the caller decides whether to recover it.
func (d *Docker) Start(ctx context.Context, spec *Spec) (Status, error) {
	if e := spec.Validate(); e != nil {
		return Status{}, e
	}
	ref, e := spec.Reference(d.environment)
	if e != nil {
		return Status{}, e
	}
	cfg, hc, e := d.containerConfig(spec, ref)
	if e != nil {
		return Status{}, e
	}

	d.remove(ctx)
	d.pull(ctx, ref)

	d.logger.Infof("Starting worker process %s from %s", d.name, ref)
	resp, e := d.api.ContainerCreate(ctx, cfg, hc, nil, nil, d.name)
	if e != nil {
		return Status{}, fmt.Errorf("create worker %s: %w", d.name, e)
	}
	for _, w := range resp.Warnings {
		d.logger.Warnf("Runtime warning for %s: %s", d.name, w)
	}
	if e := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); e != nil {
		// The container stays in the created state; polling it would
		// only hide this error behind a timeout.
		return Status{}, fmt.Errorf("start worker %s: %w", d.name, e)
	}

	for attempt := 1; ; attempt++ {
		st, e := d.Status(ctx)
		if e != nil {
			return st, e
		}
		if st.State == Running || st.State == Exited {
			return st, nil
		}
		if attempt > d.startAttempts {
			return st, fmt.Errorf("%w: %s is %s", ErrStartTimeout, d.name, st)
		}
		d.logger.Infof("Waiting for worker %s to start", d.name)
		d.clock.Sleep(time.Duration(attempt) * time.Second)
	}
}

// Status inspects the worker container.  It never caches.
func (d *Docker) Status(ctx context.Context) (Status, error) {
	inspect := func() (container.InspectResponse, error) {
		resp, e := d.api.ContainerInspect(ctx, d.name)
		if e != nil && cerrdefs.IsNotFound(e) {
			return resp, backoff.Permanent(e)
		}
		return resp, e
	}
	resp, e := backoff.Retry(ctx, inspect,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.inspectDelay)),
		backoff.WithMaxTries(d.inspectTries))
	if e != nil {
		if cerrdefs.IsNotFound(e) {
			return Status{State: NotFound}, nil
		}
		return Status{}, fmt.Errorf("inspect worker %s: %w", d.name, e)
	}
	if resp.ContainerJSONBase == nil {
		return Status{State: NotFound}, nil
	}
	return mapState(resp.State)
}

// Stop asks the runtime to stop the worker.  Stopping a worker that does
// not exist is not an error.
func (d *Docker) Stop(ctx context.Context) error {
	secs := d.stopTimeout
	e := d.api.ContainerStop(ctx, d.name, container.StopOptions{Timeout: &secs})
	if e != nil && !cerrdefs.IsNotFound(e) {
		return fmt.Errorf("stop worker %s: %w", d.name, e)
	}
	return nil
}

func (d *Docker) remove(ctx context.Context) {
	e := d.api.ContainerRemove(ctx, d.name, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	switch {
	case e == nil:
		d.logger.Infof("Removed stale worker %s", d.name)
	case cerrdefs.IsNotFound(e):
	default:
		d.logger.Warnf("Failed to remove worker %s: %v", d.name, e)
	}
}

// pull is best effort; a locally cached image may be all we need.
func (d *Docker) pull(ctx context.Context, ref string) {
	rc, e := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if e != nil {
		d.logger.Warnf("Failed to pull %s: %v", ref, e)
		return
	}
	defer rc.Close()
	if _, e := io.Copy(io.Discard, rc); e != nil {
		d.logger.Warnf("Failed to pull %s: %v", ref, e)
	}
}

func (d *Docker) containerConfig(spec *Spec, ref string) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, e := nat.ParsePortSpecs(spec.portList())
	if e != nil {
		return nil, nil, fmt.Errorf("%w: ports: %v", ErrBadSpec, e)
	}
	hostname := spec.Hostname
	if hostname == "" {
		hostname = d.name
	}
	cfg := &container.Config{
		Image:        ref,
		Hostname:     hostname,
		Env:          spec.envList(d.environment),
		Cmd:          spec.cmdList(),
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelWorker:      d.name,
			LabelEnvironment: d.environment,
		},
	}
	hc := &container.HostConfig{
		Binds:        spec.bindList(),
		PortBindings: bindings,
	}
	if e := applyFlags(cfg, hc, spec.Flags); e != nil {
		return nil, nil, e
	}
	if _, ok := spec.Flags[FlagLogDriver]; !ok && d.logDriver != "" {
		hc.LogConfig.Type = d.logDriver
		if _, ok := hc.LogConfig.Config["tag"]; !ok {
			if hc.LogConfig.Config == nil {
				hc.LogConfig.Config = make(map[string]string)
			}
			hc.LogConfig.Config["tag"] = d.name
		}
	}
	return cfg, hc, nil
}
