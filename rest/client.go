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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultWait is how long the Watch calls ask the server to hold a poll.
const DefaultWait = 300

type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	auth   bool
	base   string // URI to root of tree on server
	client *http.Client
	wait   int
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	return strings.TrimSuffix(c.base, "/") + "/" + name
}

// poll issues an HTTP GET against the URL.  If etag is not empty, the
// request is conditional, and if wait is positive it is a long poll.  The
// return value is the new Etag, or "" if nothing changed.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) post(ctx context.Context, url string) error {
	req, e := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(""))
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", "text/plain") // we don't really care
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &Error{Code: res.StatusCode, Message: res.Status}
	}
	return nil
}

func (c *Client) pollStatus(ctx context.Context, wait int, last *StatusInfo) (*StatusInfo, error) {
	otag := ""
	if last != nil {
		otag = last.etag
	}
	v := &StatusInfo{}
	etag, e := c.poll(ctx, c.url("status"), otag, wait, v)
	if e != nil {
		return nil, e
	}
	if etag == "" && last != nil {
		return last, nil
	}
	v.etag = etag
	return v, nil
}

// Status returns the current status of the supervisor.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	return c.pollStatus(ctx, 0, nil)
}

// WatchStatus waits for the status to differ from last, and returns
// the new status.  If nothing changes during the server's wait, last is
// returned.  A nil last returns the current status at once.
func (c *Client) WatchStatus(ctx context.Context, last *StatusInfo) (*StatusInfo, error) {
	return c.pollStatus(ctx, c.wait, last)
}

func (c *Client) pollLog(ctx context.Context, wait int, last *LogInfo) (*LogInfo, error) {
	otag := ""
	if last != nil {
		otag = last.etag
	}
	v := &LogInfo{}
	etag, e := c.poll(ctx, c.url("log"), otag, wait, &v.Records)
	if e != nil {
		return nil, e
	}
	if etag == "" && last != nil {
		return last, nil
	}
	v.etag = etag
	return v, nil
}

func (c *Client) Log(ctx context.Context) (*LogInfo, error) {
	return c.pollLog(ctx, 0, nil)
}

// WatchLog is WatchStatus for the log.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, c.wait, last)
}

// Restart asks the supervisor to restart its worker.
func (c *Client) Restart(ctx context.Context) error {
	return c.post(ctx, c.url("restart"))
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   baseURI,
		client: &http.Client{Transport: t},
		wait:   DefaultWait,
	}
}

// SetWait sets how many seconds the Watch calls ask the server to wait.
func (c *Client) SetWait(d time.Duration) {
	c.wait = int(d / time.Second)
}
