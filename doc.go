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

// Package wcpool implements the connection pool manager of a native client
// driver for a wide-column distributed database. It maintains, per server
// endpoint, a bounded set of multiplexed long-lived TCP connections over
// which requests are pipelined, and mediates connection selection for
// outgoing requests against an evolving, partially-failing cluster
// topology.
//
// To create a manager, use [NewManager]. The manager owns a set of
// [ConnectionPool] values, one per endpoint [Address] that has been passed
// to [ConnectionPoolManager.Add]. Callers on the request path obtain a
// connection with [ConnectionPoolManager.FindLeastBusy] and write frames to
// it; the manager's [ConnectionPoolManager.Flush] method, called once per
// I/O loop tick, batches and drains every pool with pending writes.
//
// # Ownership and threading
//
// Every mutation of manager- and pool-level state happens on a single
// [EventLoop] goroutine. [ConnectionPoolManager.Add],
// [ConnectionPoolManager.Remove] and [ConnectionPoolManager.Close] post a
// task to that loop and so are safe to call from any goroutine.
// [ConnectionPoolManager.FindLeastBusy], [ConnectionPoolManager.Available]
// and [ConnectionPoolManager.Flush] read and change pool state directly,
// without posting, and so are called from the loop goroutine. The current
// keyspace and the listener are each guarded by a dedicated mutex. See the
// comment on [EventLoop] for the exact contract.
//
// # What this package does not do
//
// This package never decides which endpoint a request should be routed to
// — that is the job of whatever load-balancing policy sits above it, which
// calls [ConnectionPoolManager.Available] and
// [ConnectionPoolManager.FindLeastBusy]. It never parses a response frame,
// and it never persists any state to disk. The wire codec, the handshake,
// and cluster topology discovery are represented here only as the small
// capability interfaces in capabilities.go; concrete implementations of
// those live elsewhere. The default [SocketFactory] dials TCP with
// net.Dialer, which also resolves host names, and wraps the connection in
// crypto/tls when a TLS config is set.
package wcpool
