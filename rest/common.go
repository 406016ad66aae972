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

// Package rest serves the state of a supervisor over HTTP, and provides
// a client for it.  GET requests support long polls: a request carrying
// the Etag it last saw in PollEtagHeader, and a wait in seconds in
// PollTimeHeader, is held until the resource changes or the wait ends.
package rest

import (
	"time"

	"github.com/mechsup/mech"
)

const (
	PollEtagHeader = "X-Mech-Poll-Etag"
	PollTimeHeader = "X-Mech-Poll-Time"

	// MaxPollTime caps how long the server holds a long poll.
	MaxPollTime = 5 * time.Minute

	mimeJSON = "application/json; charset=UTF-8"
)

var ok struct{}

// StatusInfo is the status of a supervisor, as served at /status.
type StatusInfo struct {
	mech.Snapshot
	etag string
}

// LogInfo is the supervisor log, as served at /log.
type LogInfo struct {
	Records []mech.LogRecord
	etag    string
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
