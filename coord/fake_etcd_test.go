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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// fakeEtcd is just enough of an etcd v2 server for the backend: keys,
// atomic create, delete, and index-based watches.
type fakeEtcd struct {
	keys    map[string]string
	history []etcdNode
	index   uint64
	changed chan struct{}
	waiting int
	waits   []string         // waitIndex of every watch request
	replies []http.HandlerFunc // canned watch replies, used in order
	failing int              // fail this many key requests with 500
	mx      sync.Mutex
	srv     *httptest.Server
}

func newFakeEtcd() *fakeEtcd {
	f := &fakeEtcd{
		keys:    make(map[string]string),
		changed: make(chan struct{}),
	}
	r := mux.NewRouter()
	r.PathPrefix("/v2/keys").HandlerFunc(f.serveKeys)
	f.srv = httptest.NewServer(r)
	return f
}

func (f *fakeEtcd) Close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}

func (f *fakeEtcd) URL() string {
	return f.srv.URL
}

func (f *fakeEtcd) Waiting() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.waiting
}

func (f *fakeEtcd) Waits() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.waits...)
}

func (f *fakeEtcd) Value(key string) (string, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	v, ok := f.keys[key]
	return v, ok
}

func (f *fakeEtcd) Index() uint64 {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.index
}

func (f *fakeEtcd) Reply(h http.HandlerFunc) {
	f.mx.Lock()
	f.replies = append(f.replies, h)
	f.mx.Unlock()
}

// Put changes a key without going through HTTP.
func (f *fakeEtcd) Put(key, value string) {
	f.mx.Lock()
	f.keys[key] = value
	f.record("set", key, value)
	f.mx.Unlock()
}

func (f *fakeEtcd) Fail(n int) {
	f.mx.Lock()
	f.failing = n
	f.mx.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEtcdError(w http.ResponseWriter, status, code int, index uint64) {
	writeJSON(w, status, &etcdError{ErrorCode: code, Message: "fake", Cause: "fake", Index: index})
}

// record must be called with the lock held.
func (f *fakeEtcd) record(action, key, value string) etcdNode {
	f.index++
	n := etcdNode{Key: key, Value: value, ModifiedIndex: f.index, CreatedIndex: f.index}
	f.history = append(f.history, n)
	close(f.changed)
	f.changed = make(chan struct{})
	return n
}

func (f *fakeEtcd) serveKeys(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v2/keys")
	if r.Method == http.MethodGet && r.FormValue("wait") == "true" {
		f.watch(w, r, key)
		return
	}

	f.mx.Lock()
	defer f.mx.Unlock()
	if f.failing > 0 {
		f.failing--
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	switch r.Method {
	case http.MethodGet:
		v, ok := f.keys[key]
		if !ok {
			writeEtcdError(w, http.StatusNotFound, codeKeyNotFound, f.index)
			return
		}
		writeJSON(w, http.StatusOK, &etcdResponse{Action: "get", Node: &etcdNode{Key: key, Value: v}})

	case http.MethodPut:
		value := r.FormValue("value")
		if _, ok := f.keys[key]; ok && r.FormValue("prevExist") == "false" {
			writeEtcdError(w, http.StatusPreconditionFailed, codeNodeExist, f.index)
			return
		}
		f.keys[key] = value
		n := f.record("set", key, value)
		writeJSON(w, http.StatusCreated, &etcdResponse{Action: "set", Node: &n})

	case http.MethodDelete:
		if _, ok := f.keys[key]; !ok {
			writeEtcdError(w, http.StatusNotFound, codeKeyNotFound, f.index)
			return
		}
		delete(f.keys, key)
		n := f.record("delete", key, "")
		writeJSON(w, http.StatusOK, &etcdResponse{Action: "delete", Node: &n})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeEtcd) watch(w http.ResponseWriter, r *http.Request, prefix string) {
	f.mx.Lock()
	f.waits = append(f.waits, r.FormValue("waitIndex"))
	if len(f.replies) > 0 {
		h := f.replies[0]
		f.replies = f.replies[1:]
		f.mx.Unlock()
		h(w, r)
		return
	}
	want := f.index + 1
	if s := r.FormValue("waitIndex"); s != "" {
		want, _ = strconv.ParseUint(s, 10, 64)
	}
	f.waiting++
	f.mx.Unlock()

	defer func() {
		f.mx.Lock()
		f.waiting--
		f.mx.Unlock()
	}()
	for {
		f.mx.Lock()
		for i := range f.history {
			n := f.history[i]
			if n.ModifiedIndex >= want && strings.HasPrefix(n.Key, prefix) {
				f.mx.Unlock()
				writeJSON(w, http.StatusOK, &etcdResponse{Action: "set", Node: &n})
				return
			}
		}
		ch := f.changed
		f.mx.Unlock()
		select {
		case <-ch:
		case <-r.Context().Done():
			return
		}
	}
}
