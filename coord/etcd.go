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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// etcd v2 error codes we care about.
const (
	codeKeyNotFound   = 100
	codeNodeExist     = 105
	codeEventIndexOut = 401
)

const (
	defaultTries        = 10
	defaultStep         = time.Second
	defaultMaxDelay     = 10 * time.Second
	defaultMaxMalformed = 10
)

var errMalformed = errors.New("malformed response")

type etcdNode struct {
	Key           string      `json:"key"`
	Value         string      `json:"value,omitempty"`
	Dir           bool        `json:"dir,omitempty"`
	Nodes         []*etcdNode `json:"nodes,omitempty"`
	ModifiedIndex uint64      `json:"modifiedIndex"`
	CreatedIndex  uint64      `json:"createdIndex"`
}

type etcdResponse struct {
	Action   string    `json:"action"`
	Node     *etcdNode `json:"node,omitempty"`
	PrevNode *etcdNode `json:"prevNode,omitempty"`

	// index is the store's X-Etcd-Index when it answered.
	index uint64
}

// etcdError is an error reported by the store itself, as opposed to a
// failure to reach it.
type etcdError struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
	Cause     string `json:"cause"`
	Index     uint64 `json:"index"`
	status    int
}

func (e *etcdError) Error() string {
	return fmt.Sprintf("etcd error %d: %s (%s) [%d]", e.ErrorCode, e.Message, e.Cause, e.Index)
}

func isCode(e error, code int) bool {
	var ee *etcdError
	return errors.As(e, &ee) && ee.ErrorCode == code
}

// linearBackOff waits one more step after every failure, up to a limit.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.step
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// Etcd is a Coordinator backed by an etcd server speaking the v2 keys
// API.  Exclusion relies on the store's atomic create.
type Etcd struct {
	base         *url.URL
	client       *http.Client
	logger       *zap.SugaredLogger
	tries        uint
	step         time.Duration
	maxDelay     time.Duration
	bufferSize   int
	maxMalformed int
}

type EtcdOption func(*Etcd)

// WithHTTPClient sets the client used for requests.  Watches long-poll,
// so the client must not carry a short overall timeout.
func WithHTTPClient(c *http.Client) EtcdOption {
	return func(e *Etcd) {
		e.client = c
	}
}

func WithLogger(l *zap.SugaredLogger) EtcdOption {
	return func(e *Etcd) {
		e.logger = l
	}
}

// WithRetry sets the retry budget for each request.  The delay grows by
// step after every failure, and never exceeds maxDelay.
func WithRetry(tries uint, step, maxDelay time.Duration) EtcdOption {
	return func(e *Etcd) {
		e.tries = tries
		e.step = step
		e.maxDelay = maxDelay
	}
}

// WithBufferSize sets how many change events a watch buffers.
func WithBufferSize(n int) EtcdOption {
	return func(e *Etcd) {
		e.bufferSize = n
	}
}

// WithMaxMalformed sets how many malformed watch responses in a row are
// tolerated before the watch is declared broken.
func WithMaxMalformed(n int) EtcdOption {
	return func(e *Etcd) {
		e.maxMalformed = n
	}
}

// NewEtcd returns a coordinator for the etcd server at endpoint, for
// example "http://127.0.0.1:2379".
func NewEtcd(endpoint string, opts ...EtcdOption) (*Etcd, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("etcd endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("etcd endpoint %q: unsupported scheme", endpoint)
	}
	e := &Etcd{
		base:         u,
		client:       http.DefaultClient,
		logger:       zap.NewNop().Sugar(),
		tries:        defaultTries,
		step:         defaultStep,
		maxDelay:     defaultMaxDelay,
		bufferSize:   defaultBufferSize,
		maxMalformed: defaultMaxMalformed,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Etcd) keyURL(key string, query url.Values) string {
	u := e.base.JoinPath("v2", "keys", key)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// roundTrip performs a single request.  Errors reported by the store come
// back as *etcdError; anything else is an I/O failure.
func (e *Etcd) roundTrip(ctx context.Context, method, key string, query, form url.Values) (*etcdResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, e.keyURL(key, query), body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	index, _ := strconv.ParseUint(resp.Header.Get("X-Etcd-Index"), 10, 64)

	if resp.StatusCode >= 400 {
		ee := &etcdError{status: resp.StatusCode}
		if json.Unmarshal(data, ee) != nil || ee.ErrorCode == 0 {
			return nil, fmt.Errorf("etcd %s %s: %s", method, key, resp.Status)
		}
		if ee.Index == 0 {
			ee.Index = index
		}
		return nil, ee
	}
	r := &etcdResponse{index: index}
	if len(bytes.TrimSpace(data)) == 0 {
		// A long-poll that timed out on the server side.
		return r, nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: %v: %q", errMalformed, err, data)
	}
	return r, nil
}

// call performs a request, retrying I/O failures and server errors.
// Errors the store reports are final.
func (e *Etcd) call(ctx context.Context, method, key string, query, form url.Values) (*etcdResponse, error) {
	op := func() (*etcdResponse, error) {
		r, err := e.roundTrip(ctx, method, key, query, form)
		var ee *etcdError
		if errors.As(err, &ee) && ee.status < 500 {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, errMalformed) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}
	notify := func(err error, d time.Duration) {
		e.logger.Warnf("etcd %s %s failed, retrying in %v: %v", method, key, d, err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{step: e.step, max: e.maxDelay}),
		backoff.WithMaxTries(e.tries),
		backoff.WithNotify(notify))
}

func (e *Etcd) AcquireLock(ctx context.Context, key, value string) (bool, error) {
	e.logger.Infof("Attempting to acquire lock: %s -> %s", key, value)
	q := url.Values{"prevExist": {"false"}}
	_, err := e.call(ctx, http.MethodPut, key, q, url.Values{"value": {value}})
	if err == nil {
		e.logger.Infof("Acquired lock: %s -> %s", key, value)
		return true, nil
	}
	if !isCode(err, codeNodeExist) {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	r, err := e.call(ctx, http.MethodGet, key, nil, nil)
	switch {
	case isCode(err, codeKeyNotFound):
		// The holder went away between the two requests; it was
		// still not ours.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read lock %s: %w", key, err)
	}
	if r.Node != nil && r.Node.Value == value {
		e.logger.Warnf("Lock %s is already held by us (%s), reclaiming it", key, value)
		return true, nil
	}
	holder := ""
	if r.Node != nil {
		holder = r.Node.Value
	}
	e.logger.Errorf("Could not acquire lock: %s is held by %s", key, holder)
	return false, nil
}

func (e *Etcd) ReleaseLock(ctx context.Context, key string) error {
	e.logger.Infof("Releasing lock: %s", key)
	_, err := e.call(ctx, http.MethodDelete, key, nil, nil)
	if err != nil && !isCode(err, codeKeyNotFound) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) Set(ctx context.Context, key, value string) error {
	if _, err := e.call(ctx, http.MethodPut, key, nil, url.Values{"value": {value}}); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored at key.
func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	r, err := e.call(ctx, http.MethodGet, key, nil, nil)
	switch {
	case isCode(err, codeKeyNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("get %s: %w", key, err)
	case r.Node == nil:
		return "", false, nil
	}
	return r.Node.Value, true, nil
}

// Watch long-polls the store for changes below prefix in the background.
// Only changes made after the watch started are reported.
func (e *Etcd) Watch(ctx context.Context, prefix string) (Watch, error) {
	e.logger.Infof("Starting watch on %s", prefix)
	return newStream(ctx, e.bufferSize, func(ctx context.Context, emit emitFunc) error {
		return e.watchLoop(ctx, prefix, emit)
	}), nil
}

func (e *Etcd) watchLoop(ctx context.Context, prefix string, emit emitFunc) error {
	var index uint64
	malformed := 0
	for {
		q := url.Values{"wait": {"true"}, "recursive": {"true"}}
		if index > 0 {
			q.Set("waitIndex", strconv.FormatUint(index, 10))
		}
		r, err := e.call(ctx, http.MethodGet, prefix, q, nil)
		var ee *etcdError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case errors.As(err, &ee) && ee.ErrorCode == codeEventIndexOut:
			// History was compacted past our index.  Skip ahead to
			// what the store has now; the gap is lost.
			e.logger.Warnf("Watch index %d on %s is outdated, resuming at %d",
				index, prefix, ee.Index+1)
			index = ee.Index + 1
			continue

		case errors.Is(err, errMalformed):
			malformed++
			e.logger.Errorf("Invalid response from watch on %s: %v", prefix, err)
			if malformed > e.maxMalformed {
				return fmt.Errorf("too many malformed responses: %w", err)
			}
			continue

		case err != nil:
			e.logger.Errorf("Watch on %s is broken: %v", prefix, err)
			return err
		}

		malformed = 0
		if r.Node == nil {
			// Pin the watch to the store's index, so that a change
			// made before the next poll is not missed.
			if index == 0 && r.index > 0 {
				index = r.index + 1
			}
			continue
		}
		index = r.Node.ModifiedIndex + 1
		if !emit(ChangeEvent{Key: r.Node.Key}) {
			return ctx.Err()
		}
	}
}
