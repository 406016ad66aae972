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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mechsup/mech"
)

// Source is what the handler reports on.  *mech.Controller implements it.
type Source interface {
	Snapshot() mech.Snapshot
	WatchSerial(old int64, expire time.Duration) int64
	RequestRestart()
}

// Handler serves a supervisor's status, log and metrics.
type Handler struct {
	src Source
	log *mech.Log
	r   *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, etag string, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJSON)
		if etag != "" {
			w.Header().Set("Etag", etag)
		}
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJSON)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// pollArgs returns the id a long poll waits to change, and how long it
// may wait.  A zero wait means no long poll was asked for.
func pollArgs(r *http.Request) (int64, time.Duration) {
	id, e := strconv.ParseInt(r.Header.Get(PollEtagHeader), 10, 64)
	if e != nil {
		return 0, 0
	}
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0, 0
	}
	wait := time.Duration(secs) * time.Second
	if wait > MaxPollTime {
		wait = MaxPollTime
	}
	return id, wait
}

func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("Etag", etag)
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if id, wait := pollArgs(r); wait > 0 {
		h.src.WatchSerial(id, wait)
	}
	snap := h.src.Snapshot()
	etag := strconv.FormatInt(snap.Serial, 10)
	if !notModified(w, r, etag) {
		h.writeJSON(w, etag, snap)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		h.writeError(w, &Error{http.StatusNotFound, "No log available"})
		return
	}
	if id, wait := pollArgs(r); wait > 0 {
		h.log.Watch(id, wait)
	}
	recs, id := h.log.Records(0)
	etag := strconv.FormatInt(id, 10)
	if !notModified(w, r, etag) {
		h.writeJSON(w, etag, recs)
	}
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	h.src.RequestRestart()
	h.writeJSON(w, "", ok)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns a handler for src.  The log and the gatherer are
// optional; without a gatherer there is no /metrics.
func NewHandler(src Source, log *mech.Log, g prometheus.Gatherer) *Handler {
	r := mux.NewRouter()
	h := &Handler{src: src, log: log, r: r}
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/restart", h.restart).Methods("POST")
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods("GET")
	}
	return h
}
