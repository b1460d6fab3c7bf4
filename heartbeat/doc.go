// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package heartbeat provides an active liveness prober for pooled
// connections, wired in via wcpool.WithHeartbeats. It is an addition on
// top of the core contract, which already discovers a dead connection
// reactively through write and read failure; a heartbeat instead notices
// a connection that has gone quietly unresponsive (a half-open socket,
// a wedged server thread) before any application write would have.
//
// NewPollingFactory builds a wcpool.HeartbeatFactory around a Prober,
// applying a healthy/unhealthy run-length threshold before it reports a
// state flip, so that a single dropped probe doesn't immediately evict an
// otherwise-fine connection.
package heartbeat
