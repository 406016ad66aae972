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
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// Flags map onto the same named options of "docker run".  A nil value
// means the flag was given without a value, which for boolean flags
// means true.
const (
	FlagPrivileged = "privileged"
	FlagInit       = "init"
	FlagReadOnly   = "read-only"
	FlagNetwork    = "network"
	FlagUser       = "user"
	FlagWorkdir    = "workdir"
	FlagEntrypoint = "entrypoint"
	FlagLogDriver  = "log-driver"
	FlagLogOpt     = "log-opt"
	FlagCapAdd     = "cap-add"
)

type flagHandler func(cfg *container.Config, hc *container.HostConfig, v *string) error

var flagHandlers = map[string]flagHandler{
	FlagPrivileged: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		b, e := flagBool(FlagPrivileged, v)
		hc.Privileged = b
		return e
	},
	FlagInit: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		b, e := flagBool(FlagInit, v)
		hc.Init = &b
		return e
	},
	FlagReadOnly: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		b, e := flagBool(FlagReadOnly, v)
		hc.ReadonlyRootfs = b
		return e
	},
	FlagNetwork: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		s, e := flagString(FlagNetwork, v)
		hc.NetworkMode = container.NetworkMode(s)
		return e
	},
	FlagUser: func(cfg *container.Config, _ *container.HostConfig, v *string) error {
		s, e := flagString(FlagUser, v)
		cfg.User = s
		return e
	},
	FlagWorkdir: func(cfg *container.Config, _ *container.HostConfig, v *string) error {
		s, e := flagString(FlagWorkdir, v)
		cfg.WorkingDir = s
		return e
	},
	FlagEntrypoint: func(cfg *container.Config, _ *container.HostConfig, v *string) error {
		s, e := flagString(FlagEntrypoint, v)
		cfg.Entrypoint = []string{s}
		return e
	},
	FlagLogDriver: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		s, e := flagString(FlagLogDriver, v)
		hc.LogConfig.Type = s
		return e
	},
	FlagLogOpt: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		s, e := flagString(FlagLogOpt, v)
		if e != nil {
			return e
		}
		if hc.LogConfig.Config == nil {
			hc.LogConfig.Config = make(map[string]string)
		}
		for _, opt := range strings.Split(s, ",") {
			kv := strings.SplitN(opt, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return fmt.Errorf("%w: %s: %q", ErrBadSpec, FlagLogOpt, opt)
			}
			hc.LogConfig.Config[kv[0]] = kv[1]
		}
		return nil
	},
	FlagCapAdd: func(_ *container.Config, hc *container.HostConfig, v *string) error {
		s, e := flagString(FlagCapAdd, v)
		if e != nil {
			return e
		}
		hc.CapAdd = append(hc.CapAdd, strings.Split(s, ",")...)
		return nil
	},
}

func flagBool(name string, v *string) (bool, error) {
	if v == nil || *v == "" {
		return true, nil
	}
	b, e := strconv.ParseBool(*v)
	if e != nil {
		return false, fmt.Errorf("%w: %s: %q", ErrBadSpec, name, *v)
	}
	return b, nil
}

func flagString(name string, v *string) (string, error) {
	if v == nil || *v == "" {
		return "", fmt.Errorf("%w: %s requires a value", ErrBadSpec, name)
	}
	return *v, nil
}

// applyFlags applies flags in name order, so that results do not
// depend upon map iteration.
func applyFlags(cfg *container.Config, hc *container.HostConfig, flags map[string]*string) error {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h, ok := flagHandlers[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFlag, name)
		}
		if e := h(cfg, hc, flags[name]); e != nil {
			return e
		}
	}
	return nil
}
