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
	"time"
)

// connector drives a single connection attempt to completion: dial,
// handshake, and report back via onConnect. Each ConnectionPool owns zero
// or more connectors, one per connection slot currently being (re)dialed.
type connector struct {
	addr     Address
	loop     EventLoop
	factory  SocketFactory
	codec    ProtocolCodec
	settings Settings
	protocol int
	keyspace string
	metrics  MetricsSink
	logger   FieldLogger

	// synchronous makes connect run the dial and handshake inline
	// instead of on a background goroutine. Production code never sets
	// this; it exists so tests can drive a connector deterministically
	// against fakes that do no real blocking I/O, without depending on
	// goroutine scheduling order.
	synchronous bool

	cancel context.CancelFunc
}

// connectResult is delivered to onConnect on the owning EventLoop, never
// from the connector's own dial goroutine directly.
type connectResult struct {
	conn *PooledConnection
	err  error
}

func newConnector(addr Address, loop EventLoop, factory SocketFactory, codec ProtocolCodec, settings Settings, protocol int, keyspace string, metrics MetricsSink, logger FieldLogger, synchronous bool) *connector {
	return &connector{
		addr:        addr,
		loop:        loop,
		factory:     factory,
		codec:       codec,
		settings:    settings,
		protocol:    protocol,
		keyspace:    keyspace,
		metrics:     metrics,
		logger:      logger,
		synchronous: synchronous,
	}
}

// connect dials and performs the handshake in a background goroutine,
// then posts the outcome back onto the EventLoop via onConnect. It never
// blocks the caller.
func (c *connector) connect(pool *ConnectionPool, onConnect func(*PooledConnection, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	attempt := func() {
		start := time.Now()
		conn, err := c.dialAndHandshake(ctx, pool)
		latency := time.Since(start)
		if c.metrics != nil {
			c.metrics.ConnectAttempt(c.addr, err == nil, latency)
		}
		c.logResult(err, latency)
		c.loop.PostTask(func() {
			onConnect(conn, err)
		})
	}
	if c.synchronous {
		attempt()
		return
	}
	go attempt()
}

func (c *connector) logResult(err error, latency time.Duration) {
	if c.logger == nil {
		return
	}
	entry := c.logger.WithField("address", c.addr.String())
	if err == nil {
		entry.WithField("latency", latency).Debug("connector established connection")
		return
	}
	var connErr *ConnectionError
	if ce, ok := err.(*ConnectionError); ok {
		connErr = ce
	}
	if connErr != nil && connErr.Code.IsCritical() {
		entry.WithError(err).Error("connector failed with a critical error")
		return
	}
	entry.WithError(err).Debug("connector attempt failed, pool will retry")
}

func (c *connector) dialAndHandshake(ctx context.Context, pool *ConnectionPool) (*PooledConnection, error) {
	socket, err := c.factory.Dial(ctx, c.addr, c.settings.ConnectionSettings)
	if err != nil {
		return nil, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "dial failed", Cause: err}
	}

	result, err := c.codec.Handshake(ctx, socket, c.protocol, c.keyspace, c.settings.ConnectionSettings)
	if err != nil {
		_ = socket.Close()
		if connErr, ok := err.(*ConnectionError); ok {
			return nil, connErr
		}
		return nil, &ConnectionError{Code: ErrorCodeCriticalProtocol, Message: "handshake failed", Cause: err}
	}

	conn := newPooledConnection(c.addr, socket, c.codec, result, pool, c.metrics, c.settings.QueueSizeIO)
	return conn, nil
}

// cancelAttempt aborts an in-flight dial. It does not guarantee the dial
// goroutine's onConnect callback won't still fire; the caller is
// responsible for ignoring results once it no longer cares (see
// ConnectionPool.close, which tracks which connectors it started).
func (c *connector) cancelAttempt() {
	if c.cancel != nil {
		c.cancel()
	}
}
