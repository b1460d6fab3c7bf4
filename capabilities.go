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
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// FieldLogger is the logging interface this package logs through. It is
// exactly logrus.FieldLogger, named locally so callers of this package
// don't need to import logrus themselves just to supply a *logrus.Entry or
// *logrus.Logger to WithLogger.
type FieldLogger = logrus.FieldLogger

// Listener observes the lifecycle of pools managed by a
// ConnectionPoolManager. All methods are called from the manager's
// EventLoop goroutine and must not block or call back into the manager
// synchronously. The zero value of every method on NopListener is a no-op,
// so embedding it lets callers implement only the events they care about.
type Listener interface {
	// OnPoolUp fires the first time a pool for addr has at least one live
	// connection, and again each time it regains its first live
	// connection after dropping to zero. Fired at most once per
	// transition; see the manager's UP/DOWN coalescing invariant.
	OnPoolUp(addr Address)
	// OnPoolDown fires when a pool's live connection count drops to zero.
	OnPoolDown(addr Address)
	// OnPoolCriticalError fires once per terminal connector failure such
	// as a rejected auth handshake or an unsupported protocol version.
	// The pool stops retrying after this fires.
	OnPoolCriticalError(addr Address, err *ConnectionError)
	// OnPoolRemoved fires once removal of addr's pool has fully drained,
	// after Remove or Close has been called for it.
	OnPoolRemoved(addr Address)
	// OnClose fires exactly once, after Close has fully drained every
	// pool and every pool connector still dialing. It is the last
	// callback the manager ever delivers to this Listener.
	OnClose(manager *ConnectionPoolManager)
}

// NopListener implements Listener with no-op methods. It is the manager's
// default Listener, and a convenient embed for callers who only want a
// subset of events.
type NopListener struct{}

func (NopListener) OnPoolUp(Address)                              {}
func (NopListener) OnPoolDown(Address)                            {}
func (NopListener) OnPoolCriticalError(Address, *ConnectionError) {}
func (NopListener) OnPoolRemoved(Address)                         {}
func (NopListener) OnClose(*ConnectionPoolManager)                {}

var _ Listener = NopListener{}

// MetricsSink receives counters and observations describing pool activity.
// Implementations must be safe for concurrent use: ConnectAttempt is
// called from a connector's dial goroutine, BytesWritten and
// InFlightRequests from whichever goroutine calls
// ConnectionPoolManager.Flush, and the rest from the EventLoop goroutine.
// See the metricssink subpackage for a Prometheus-backed implementation.
type MetricsSink interface {
	// ConnectionOpened is called once a connector's handshake completes.
	ConnectionOpened(addr Address)
	// ConnectionClosed is called once a connection is fully torn down,
	// along with the classification of why, if any (nil for a clean
	// planned close).
	ConnectionClosed(addr Address, err *ConnectionError)
	// ConnectAttempt records the outcome and latency of one connector
	// attempt, success or failure.
	ConnectAttempt(addr Address, ok bool, latency time.Duration)
	// InFlightRequests reports the current number of unanswered streams
	// across a pool, sampled on every Flush.
	InFlightRequests(addr Address, count int)
	// BytesWritten records a completed write of n bytes to addr.
	BytesWritten(addr Address, n int)
}

// NopMetricsSink implements MetricsSink with no-op methods. It is the
// manager's default sink.
type NopMetricsSink struct{}

func (NopMetricsSink) ConnectionOpened(Address)                   {}
func (NopMetricsSink) ConnectionClosed(Address, *ConnectionError) {}
func (NopMetricsSink) ConnectAttempt(Address, bool, time.Duration) {}
func (NopMetricsSink) InFlightRequests(Address, int)               {}
func (NopMetricsSink) BytesWritten(Address, int)                   {}

var _ MetricsSink = NopMetricsSink{}

// EventLoop serializes every mutation of manager and pool state onto a
// single logical thread of execution. Implementations may run that thread
// as a dedicated goroutine (the production default, see NewGoroutineLoop)
// or drain it synchronously and deterministically under test control (see
// testLoop in this package's tests, a manually-pumped loop).
//
// PostTask must be safe to call from any goroutine, including from within
// a task already running on the loop (in which case it enqueues fn to run
// after the current task returns, never re-entrantly). IsOnLoop lets code
// assert it is, or isn't, already running on the loop goroutine, mirroring
// the ctx-confinement assertions the original driver makes around its
// libuv loop.
type EventLoop interface {
	// PostTask schedules fn to run on the loop. It returns immediately.
	PostTask(fn func())
	// PostDelayed schedules fn to run on the loop no earlier than d from
	// now.
	PostDelayed(d time.Duration, fn func())
	// IsOnLoop reports whether the calling goroutine is currently running
	// a task dispatched by this loop.
	IsOnLoop() bool
	// Close stops the loop once its queued tasks have drained. Called by
	// ConnectionPoolManager only when it owns the loop's lifetime, i.e.
	// it was never handed one via WithEventLoop.
	Close()
}

// Socket is the minimal byte-stream capability a Connector needs. It is
// satisfied by *net.TCPConn and by fakes in tests. Unlike net.Conn, Socket
// has no LocalAddr/RemoteAddr: a connection already knows its own Address,
// handed to it separately at construction.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// SocketFactory establishes the raw byte stream a Connector speaks the
// wire protocol over. It deliberately knows nothing about the protocol:
// DNS resolution, TLS, and proxying are all concerns a SocketFactory
// implementation may layer in, none of which this package inspects.
type SocketFactory interface {
	Dial(ctx context.Context, addr Address, settings ConnectionSettings) (Socket, error)
}

// HandshakeResult carries what a successful ProtocolCodec handshake learns
// about the connection, which the pool needs in order to drive it.
type HandshakeResult struct {
	// StreamCapacity is the number of concurrent in-flight streams this
	// connection supports, as negotiated during the handshake. It bounds
	// the connection's stream-ID allocator.
	StreamCapacity int
	// ProtocolVersion is the version the server agreed to speak.
	ProtocolVersion int
}

// ProtocolCodec drives the wire handshake (including auth and keyspace
// setup) on a freshly dialed Socket, and frames application payloads for
// an already-established connection. This package does not interpret the
// bytes on either side of ProtocolCodec; it only needs to know how many
// streams a connection offers and how to wrap an outgoing payload with a
// stream ID.
type ProtocolCodec interface {
	// Handshake performs startup negotiation, auth, and keyspace setup
	// (if keyspace is non-empty) on a freshly dialed socket. It returns
	// an error classified as a *ConnectionError on failure.
	Handshake(ctx context.Context, socket Socket, protocolVersion int, keyspace string, settings ConnectionSettings) (HandshakeResult, error)
	// EncodeFrame wraps payload with the framing needed to tag it with
	// streamID on the wire.
	EncodeFrame(streamID int16, payload []byte) []byte
}

// HeartbeatChecker actively probes a single open connection for
// liveness. The manager obtains one per connection from the
// HeartbeatFactory installed with WithHeartbeats and calls Probe
// periodically; heartbeat.NewPollingFactory builds such a factory around a
// heartbeat.Prober.
type HeartbeatChecker interface {
	// Probe sends one heartbeat and reports whether the connection is
	// still healthy. It may block up to the deadline carried by ctx.
	Probe(ctx context.Context, socket Socket) error
}

// HeartbeatFactory creates a HeartbeatChecker for a newly established
// connection. Implementations are typically stateless and can return the
// same HeartbeatChecker for every call.
type HeartbeatFactory interface {
	NewChecker(addr Address) HeartbeatChecker
}

// NopHeartbeatFactory disables heartbeat probing. It is the manager's
// default: the core contract never requires heartbeats, since a dead
// connection is discovered instead by write/read failure.
type NopHeartbeatFactory struct{}

func (NopHeartbeatFactory) NewChecker(Address) HeartbeatChecker {
	return nopHeartbeatChecker{}
}

type nopHeartbeatChecker struct{}

func (nopHeartbeatChecker) Probe(context.Context, Socket) error { return nil }

var _ HeartbeatFactory = NopHeartbeatFactory{}
