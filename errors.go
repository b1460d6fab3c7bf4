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
	"errors"
	"fmt"
)

// ErrorCode classifies a connector failure. Transient codes are owned
// internally by a ConnectionPool's reconnect loop and never surface to the
// Listener unless the pool's live connection count reaches zero. Critical
// codes are surfaced exactly once via Listener.OnPoolCriticalError and stop
// the pool from retrying.
type ErrorCode int

const (
	// ErrorCodeUnknown is the zero value; it should never appear in a
	// delivered ConnectionError.
	ErrorCodeUnknown ErrorCode = iota
	// ErrorCodeTransientConnect covers TCP refused, timeout, and reset —
	// the pool schedules a reconnect and does not notify the listener
	// unless this drops live connections to zero.
	ErrorCodeTransientConnect
	// ErrorCodeCriticalAuth means the handshake's auth step was refused.
	ErrorCodeCriticalAuth
	// ErrorCodeCriticalProtocol means the codec/protocol version was
	// rejected or unsupported.
	ErrorCodeCriticalProtocol
	// ErrorCodeCriticalKeyspace means the USE issued during connection
	// setup failed.
	ErrorCodeCriticalKeyspace
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeTransientConnect:
		return "transient_connect"
	case ErrorCodeCriticalAuth:
		return "critical_auth"
	case ErrorCodeCriticalProtocol:
		return "critical_protocol"
	case ErrorCodeCriticalKeyspace:
		return "critical_keyspace"
	default:
		return "unknown"
	}
}

// IsCritical reports whether a connector failure of this code should stop
// a pool from retrying and be surfaced to the Listener immediately.
func (c ErrorCode) IsCritical() bool {
	switch c {
	case ErrorCodeCriticalAuth, ErrorCodeCriticalProtocol, ErrorCodeCriticalKeyspace:
		return true
	default:
		return false
	}
}

// ConnectionError is the error type produced by a failed Connector. It
// carries the classification needed to decide whether a pool should keep
// retrying (see ErrorCode.IsCritical) and a human-readable message for
// logs and for Listener.OnPoolCriticalError.
type ConnectionError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Sentinel errors returned directly by public methods, as opposed to the
// classified ConnectionError produced by a Connector.
var (
	// ErrStreamIDsExhausted is returned by PooledConnection.Write when no
	// stream ID is free. The caller should pick another connection.
	ErrStreamIDsExhausted = errors.New("wcpool: no stream ids available on this connection")
	// ErrWriteQueueFull is returned by PooledConnection.Write when the
	// connection's outbound buffer is already at its configured limit.
	ErrWriteQueueFull = errors.New("wcpool: write queue full")
	// ErrConnectionClosing is returned by PooledConnection.Write once the
	// connection has started shutting down.
	ErrConnectionClosing = errors.New("wcpool: connection is closing")
	// ErrManagerClosing describes an operation attempted after Close. No
	// ConnectionPoolManager method returns it: Add, Remove and Close
	// return nothing, and an Add that runs after Close is dropped silently.
	ErrManagerClosing = errors.New("wcpool: connection pool manager is closing")
)
