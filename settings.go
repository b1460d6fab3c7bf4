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
	"crypto/tls"
	"fmt"
	"time"
)

// ConnectionSettings is opaque from the pool manager's point of view: it is
// handed unexamined to the SocketFactory and ProtocolCodec when a Connector
// establishes a connection. It groups TLS, compression, and auth — all
// concerns that belong to the wire layer, not to this package.
type ConnectionSettings struct {
	TLSConfig   *tls.Config
	Compression string
	AuthScheme  string
	AuthCreds   []byte
}

// Settings is an immutable snapshot of the manager's configuration,
// derived from the driver's config loader at construction time. Nothing in
// this package ever mutates a Settings value after NewManager returns; each
// Connector and ConnectionPool reads from the copy the manager was built
// with.
type Settings struct {
	// NumConnectionsPerHost is the number of pooled connections the
	// manager tries to keep open per endpoint. Must be >= 1.
	NumConnectionsPerHost int
	// ReconnectWaitTime is how long a ConnectionPool waits before retrying
	// a dead connection slot. Must be >= 0.
	ReconnectWaitTime time.Duration
	// QueueSizeIO bounds, in bytes, the outbound buffer of each pooled
	// connection. Writes that would exceed it fail with
	// ErrWriteQueueFull. Must be >= 1.
	QueueSizeIO int
	// ConnectionSettings is passed through unexamined to the wire layer.
	ConnectionSettings ConnectionSettings
}

// DefaultSettings returns a Settings value with conservative defaults,
// suitable as a base for ManagerOption overrides.
func DefaultSettings() Settings {
	return Settings{
		NumConnectionsPerHost: 1,
		ReconnectWaitTime:     2 * time.Second,
		QueueSizeIO:           8 << 20, // 8 MiB
	}
}

// Validate checks the invariants NewManager depends on, returning a
// descriptive error for the first violation found.
func (s Settings) Validate() error {
	if s.NumConnectionsPerHost < 1 {
		return fmt.Errorf("wcpool: num_connections_per_host must be >= 1, got %d", s.NumConnectionsPerHost)
	}
	if s.ReconnectWaitTime < 0 {
		return fmt.Errorf("wcpool: reconnect_wait_time_ms must be >= 0, got %s", s.ReconnectWaitTime)
	}
	if s.QueueSizeIO < 1 {
		return fmt.Errorf("wcpool: queue_size_io must be >= 1, got %d", s.QueueSizeIO)
	}
	return nil
}

// ManagerOption customizes a ConnectionPoolManager at construction time.
// This mirrors the functional-options idiom used throughout this driver's
// HTTP-client sibling package: each option is a small closure applied in
// order over the options struct, rather than a config file format, since
// loading configuration from disk or environment is explicitly outside
// this subsystem's scope.
type ManagerOption interface {
	apply(*managerOptions)
}

type managerOptionFunc func(*managerOptions)

func (f managerOptionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	settings          Settings
	protocolVersion   int
	keyspace          string
	listener          Listener
	metrics           MetricsSink
	logger            FieldLogger
	loop              EventLoop
	socketFactory     SocketFactory
	codec             ProtocolCodec
	heartbeat         HeartbeatFactory
	heartbeatInterval time.Duration
	synchronousDial   bool
}

// WithSettings overrides the manager's immutable settings snapshot.
func WithSettings(settings Settings) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.settings = settings
	})
}

// WithProtocolVersion sets the wire protocol version the manager reports
// to new connectors. It takes effect only when NewManager's
// protocolVersion argument is 0; a non-zero argument wins. Immutable after
// construction.
func WithProtocolVersion(version int) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.protocolVersion = version
	})
}

// WithKeyspace sets the keyspace new connections should USE during setup.
// It does not retroactively affect already-open connections; see
// ConnectionPoolManager.SetKeyspace.
func WithKeyspace(keyspace string) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.keyspace = keyspace
	})
}

// WithListener sets the Listener that observes pool lifecycle events. If
// not set, or if later set to nil via ConnectionPoolManager.SetListener,
// the manager falls back to a no-op Listener.
func WithListener(listener Listener) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.listener = listener
	})
}

// WithMetrics sets the sink that receives pool lifecycle counters and
// connect-latency observations. Defaults to NopMetricsSink.
func WithMetrics(sink MetricsSink) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.metrics = sink
	})
}

// WithLogger sets the structured logger used for pool lifecycle messages.
// Defaults to logrus.StandardLogger().
func WithLogger(logger FieldLogger) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithEventLoop overrides the EventLoop the manager runs on. Mainly useful
// for tests that want deterministic task draining; production callers can
// leave this unset to get a real background-goroutine loop.
func WithEventLoop(loop EventLoop) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.loop = loop
	})
}

// WithSocketFactory overrides how Connectors establish the underlying byte
// stream. Defaults to a net.Dialer-based factory.
func WithSocketFactory(factory SocketFactory) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.socketFactory = factory
	})
}

// WithProtocolCodec overrides the wire handshake/auth/keyspace codec used
// by Connectors. There is no usable default: production callers must
// supply the driver's real codec.
func WithProtocolCodec(codec ProtocolCodec) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.codec = codec
	})
}

// WithHeartbeats enables active per-connection heartbeat probing using the
// given HeartbeatFactory, probing each live connection roughly every
// interval. Defaults to NopHeartbeatFactory, matching the core contract,
// which never requires heartbeats.
func WithHeartbeats(factory HeartbeatFactory, interval time.Duration) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.heartbeat = factory
		opts.heartbeatInterval = interval
	})
}
