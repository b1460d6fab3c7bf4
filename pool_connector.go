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

// poolConnector fans out the initial NumConnectionsPerHost connection
// attempts for an address newly passed to ConnectionPoolManager.Add. It
// exists separately from the steady-state per-connection reconnect logic
// in ConnectionPool because, unlike a reconnect, a brand-new pool isn't
// installed in the manager's pools map — and so isn't visible to
// FindLeastBusy or Flush — until at least one of its connections
// succeeds.
type poolConnector struct {
	addr       Address
	manager    *ConnectionPoolManager
	cancelled  bool
	connectors []*connector
}

func newPoolConnector(addr Address, manager *ConnectionPoolManager) *poolConnector {
	return &poolConnector{addr: addr, manager: manager}
}

// connect dials NumConnectionsPerHost connections in parallel. It reports
// the outcome to the manager exactly once, on the manager's EventLoop,
// regardless of how many of the individual dials succeeded: any subset
// succeeding is enough to install the pool, matching the teacher's
// "is_ok() means at least the pool could be created" contract. Once
// cancelAttempt has run, the result is dropped instead of reported: any
// connection that still arrives is closed, never handed to onDone.
func (pc *poolConnector) connect(onDone func(pool *ConnectionPool, criticalErr *ConnectionError)) {
	n := pc.manager.settings.NumConnectionsPerHost
	results := make([]*PooledConnection, n)
	var firstCritical *ConnectionError

	remaining := n
	done := func() {
		remaining--
		if remaining > 0 {
			return
		}
		if pc.cancelled {
			for _, conn := range results {
				if conn != nil {
					_ = conn.close()
				}
			}
			onDone(nil, nil)
			return
		}
		var live []*PooledConnection
		for _, c := range results {
			if c != nil {
				live = append(live, c)
			}
		}
		if len(live) == 0 && firstCritical != nil {
			onDone(nil, firstCritical)
			return
		}
		if len(live) == 0 {
			onDone(nil, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "all initial connection attempts failed"})
			return
		}
		pool := newConnectionPool(pc.addr, pc.manager)
		for _, conn := range live {
			conn.setPool(pool)
			pc.manager.metrics.ConnectionOpened(pc.addr)
			pool.addConnection(conn)
		}
		onDone(pool, nil)
	}

	for i := 0; i < n; i++ {
		i := i
		c := pc.manager.newConnector(pc.addr)
		pc.connectors = append(pc.connectors, c)
		c.connect(nil, func(conn *PooledConnection, err error) {
			if err != nil {
				if connErr, ok := err.(*ConnectionError); ok && connErr.Code.IsCritical() && firstCritical == nil {
					firstCritical = connErr
				}
			} else {
				results[i] = conn
			}
			done()
		})
	}
}

// cancelAttempt aborts this connector's in-flight dials: every child
// connector's own context is cancelled, which tears down a dial or
// handshake still in progress instead of letting it complete. A dial
// that nonetheless resolves afterward finds cancelled set in done and
// has its socket closed instead of being handed to connect's caller.
// Used when ConnectionPoolManager.Close runs while Add has not yet
// resolved.
func (pc *poolConnector) cancelAttempt() {
	pc.cancelled = true
	for _, c := range pc.connectors {
		c.cancelAttempt()
	}
}
