// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wcpool

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLoop is a deterministic, manually-pumped EventLoop: tests call
// Drain to run every task that's ready, and Advance to fast-forward
// delayed tasks without sleeping, modeled on how the teacher's own tests
// drive internal/clocktest's FakeClock rather than a real timer.
type testLoop struct {
	mu      sync.Mutex
	now     time.Time
	tasks   []func()
	delayed []testDelayedTask
	closed  bool
}

type testDelayedTask struct {
	due time.Time
	fn  func()
}

func newTestLoop() *testLoop {
	return &testLoop{now: time.Unix(0, 0)}
}

func (l *testLoop) PostTask(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
}

func (l *testLoop) PostDelayed(d time.Duration, fn func()) {
	l.mu.Lock()
	l.delayed = append(l.delayed, testDelayedTask{due: l.now.Add(d), fn: fn})
	l.mu.Unlock()
}

func (l *testLoop) IsOnLoop() bool { return true }

// Close marks the loop closed. Tests drive shutdown with Drain rather
// than relying on this to stop anything; it exists to satisfy EventLoop
// and to let a test assert ownsLoop wiring if it ever needs to.
func (l *testLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// popOldest removes and returns the oldest queued task without running
// it, so a test can interleave other calls between a task being posted
// and it actually running.
func (l *testLoop) popOldest(t *testing.T) func() {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.tasks)
	fn := l.tasks[0]
	l.tasks = l.tasks[1:]
	return fn
}

// popNewest removes and returns the most recently queued task, for tests
// that need to run a later-posted task (such as a Close) ahead of one
// already queued in front of it.
func (l *testLoop) popNewest(t *testing.T) func() {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.tasks)
	last := len(l.tasks) - 1
	fn := l.tasks[last]
	l.tasks = l.tasks[:last]
	return fn
}

// Drain runs every currently-queued task, including any tasks those
// tasks themselves enqueue, until the queue is empty.
func (l *testLoop) Drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		fn()
	}
}

// Advance moves the loop's clock forward by d, promoting any delayed
// tasks now due into the ready queue, then drains.
func (l *testLoop) Advance(d time.Duration) {
	l.mu.Lock()
	l.now = l.now.Add(d)
	var ready []func()
	var remaining []testDelayedTask
	for _, dt := range l.delayed {
		if !dt.due.After(l.now) {
			ready = append(ready, dt.fn)
		} else {
			remaining = append(remaining, dt)
		}
	}
	l.delayed = remaining
	l.mu.Unlock()
	for _, fn := range ready {
		fn()
	}
	l.Drain()
}

var _ EventLoop = (*testLoop)(nil)

// withSynchronousDial makes every connector a test manager creates run
// its dial and handshake inline on whatever goroutine calls connect,
// instead of on a background goroutine. Combined with testLoop's
// synchronous Drain, this makes manager/pool tests fully deterministic
// against the fakes in this file, none of which ever actually blocks.
func withSynchronousDial() ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.synchronousDial = true
	})
}

// fakeSocket is an in-memory Socket: writes accumulate in Written, reads
// come from a caller-filled buffer.
type fakeSocket struct {
	mu       sync.Mutex
	Written  bytes.Buffer
	readBuf  bytes.Buffer
	closed   bool
	closeErr error
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errConnAlreadyClosedForTest
	}
	return s.Written.Write(p)
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuf.Read(p)
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *fakeSocket) SetDeadline(time.Time) error { return nil }

var errConnAlreadyClosedForTest = &ConnectionError{Code: ErrorCodeTransientConnect, Message: "fake socket closed"}

var _ Socket = (*fakeSocket)(nil)

// fakeSocketFactory hands out fakeSockets, optionally failing the Nth
// dial for a given address.
type fakeSocketFactory struct {
	mu       sync.Mutex
	failNext map[Address]int
	dialed   []Address
}

func newFakeSocketFactory() *fakeSocketFactory {
	return &fakeSocketFactory{failNext: make(map[Address]int)}
}

func (f *fakeSocketFactory) FailNextDial(addr Address, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[addr] = times
}

func (f *fakeSocketFactory) Dial(_ context.Context, addr Address, _ ConnectionSettings) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, addr)
	if f.failNext[addr] > 0 {
		f.failNext[addr]--
		return nil, errDialFailedForTest
	}
	return &fakeSocket{}, nil
}

var errDialFailedForTest = &ConnectionError{Code: ErrorCodeTransientConnect, Message: "fake dial refused"}

var _ SocketFactory = (*fakeSocketFactory)(nil)

// fakeCodec frames payloads by prefixing the stream ID as a single byte,
// and can be configured to fail the handshake with a given error.
type fakeCodec struct {
	streamCapacity int
	handshakeErr   error
}

func (c *fakeCodec) Handshake(context.Context, Socket, int, string, ConnectionSettings) (HandshakeResult, error) {
	if c.handshakeErr != nil {
		return HandshakeResult{}, c.handshakeErr
	}
	capacity := c.streamCapacity
	if capacity == 0 {
		capacity = 4
	}
	return HandshakeResult{StreamCapacity: capacity, ProtocolVersion: 4}, nil
}

func (c *fakeCodec) EncodeFrame(streamID int16, payload []byte) []byte {
	return append([]byte{byte(streamID)}, payload...)
}

var _ ProtocolCodec = (*fakeCodec)(nil)
