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
	"strings"
	"sync"
	"time"
)

const (
	DefaultLogRecords = 1000
)

// LogRecord is a single line of the supervisor log.
type LogRecord struct {
	ID   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent lines logged by the supervisor, so that
// they can be served by the status API.  It is a zapcore.WriteSyncer.
type Log struct {
	records []LogRecord
	next    int // total lines written; next%len(records) is the slot
	id      int64
	now     func() time.Time
	cvs     map[*sync.Cond]bool
	mx      sync.Mutex
}

// NewLog returns a Log holding up to size lines, or DefaultLogRecords
// if size is 0.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogRecords
	}
	return &Log{
		records: make([]LogRecord, size),
		// IDs start at the creation time, so that they do not repeat
		// across restarts of the supervisor.
		id:  time.Now().UnixNano(),
		now: time.Now,
		cvs: make(map[*sync.Cond]bool),
	}
}

// Write stores every line of b as its own record.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.TrimRight(string(b), "\n")
	l.mx.Lock()
	now := l.now()
	for _, line := range strings.Split(str, "\n") {
		l.id++
		l.records[l.next%len(l.records)] = LogRecord{ID: l.id, Time: now, Text: line}
		l.next++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

func (l *Log) Sync() error {
	return nil
}

// Records returns the stored records, oldest first, and the id of the
// newest one, which is suitable as an Etag.  If last is that same id,
// nothing changed and nil is returned.
func (l *Log) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	n := l.next
	if n > len(l.records) {
		n = len(l.records)
	}
	recs := make([]LogRecord, 0, n)
	for i := l.next - n; i < l.next; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs, l.id
}

// Watch waits until the log has an id other than last, or expire passes,
// and returns the current id.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}
