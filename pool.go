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

// ConnectionPool owns every PooledConnection dialed to one Address. It is
// created once every initial connector has reported and at least one has
// succeeded (see poolConnector), and lives
// until Close drains its last connection. All of its state is touched
// only from the manager's EventLoop goroutine.
type ConnectionPool struct {
	addr    Address
	manager *ConnectionPoolManager

	connections []*PooledConnection
	dirty       map[*PooledConnection]struct{}
	connectors  map[*connector]struct{}

	closing     bool
	notifiedUp  bool
	criticalErr bool
}

// newConnectionPool creates an empty pool for addr. Callers add its
// initial connections with addConnection, the same path a later
// reconnect uses, so OnPoolUp fires exactly once regardless of whether a
// pool started with one live connection or several.
func newConnectionPool(addr Address, manager *ConnectionPoolManager) *ConnectionPool {
	return &ConnectionPool{
		addr:       addr,
		manager:    manager,
		dirty:      make(map[*PooledConnection]struct{}),
		connectors: make(map[*connector]struct{}),
	}
}

// Address returns the endpoint this pool is attached to.
func (p *ConnectionPool) Address() Address {
	return p.addr
}

// Size returns the number of currently live connections.
func (p *ConnectionPool) Size() int {
	return len(p.connections)
}

// totalPending sums in-flight requests across every connection in the
// pool, for the InFlightRequests metric sampled on each Flush.
func (p *ConnectionPool) totalPending() int {
	total := 0
	for _, conn := range p.connections {
		total += conn.PendingRequestCount()
	}
	return total
}

// findLeastBusy returns the connection in this pool with the fewest
// in-flight requests, breaking ties by the order connections were added
// so that repeated calls with no change in load always pick the same
// connection — a stable tie-break, not a random or round-robin one.
// It returns nil if no connection can currently accept a request.
func (p *ConnectionPool) findLeastBusy() *PooledConnection {
	var best *PooledConnection
	bestCount := -1
	for _, conn := range p.connections {
		if !conn.IsAvailable() {
			continue
		}
		if count := conn.PendingRequestCount(); bestCount == -1 || count < bestCount {
			best = conn
			bestCount = count
		}
	}
	return best
}

// requireFlush marks conn as having queued writes and registers this pool
// with the manager's to-flush set, so the next ConnectionPoolManager.Flush
// call drains it.
func (p *ConnectionPool) requireFlush(conn *PooledConnection) {
	p.dirty[conn] = struct{}{}
	p.manager.requiresFlush(p)
}

// flush drains every connection marked dirty since the last call. Called
// only by ConnectionPoolManager.Flush.
func (p *ConnectionPool) flush() {
	for conn := range p.dirty {
		if err := conn.flush(); err != nil {
			p.onConnectionFailed(conn, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "write failed", Cause: err})
		}
	}
	p.dirty = make(map[*PooledConnection]struct{})
}

// addConnection installs a newly handshaken connection, notifying the
// listener of OnPoolUp exactly once per up-transition: a pool that already
// had a live connection doesn't re-fire it just because another slot
// reconnected.
func (p *ConnectionPool) addConnection(conn *PooledConnection) {
	p.connections = append(p.connections, conn)
	p.criticalErr = false
	if !p.notifiedUp {
		p.notifiedUp = true
		p.manager.notifyUp(p)
	}
	p.manager.scheduleHeartbeat(p, conn)
}

// onConnectionFailed removes a dead connection and, if that was this
// pool's last one, notifies the listener of OnPoolDown. It then schedules
// a reconnect unless the pool is closing or has seen a critical error.
func (p *ConnectionPool) onConnectionFailed(conn *PooledConnection, connErr *ConnectionError) {
	p.removeConnection(conn)
	_ = conn.close()
	p.manager.metrics.ConnectionClosed(p.addr, connErr)

	if connErr != nil && connErr.Code.IsCritical() {
		p.criticalErr = true
		p.manager.notifyCriticalError(p, connErr)
	}

	if p.closing {
		p.maybeFullyClosed()
		return
	}

	if len(p.connections) == 0 && p.notifiedUp {
		p.notifiedUp = false
		p.manager.notifyDown(p)
	}

	if !p.criticalErr {
		p.scheduleReconnect()
	}
}

func (p *ConnectionPool) removeConnection(conn *PooledConnection) {
	delete(p.dirty, conn)
	for i, c := range p.connections {
		if c == conn {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			return
		}
	}
}

// scheduleReconnect starts a new connector for this pool's address after
// the configured backoff, unless the pool is closing.
func (p *ConnectionPool) scheduleReconnect() {
	if p.closing {
		return
	}
	p.manager.loop.PostDelayed(p.manager.settings.ReconnectWaitTime, func() {
		if p.closing {
			return
		}
		p.startConnector()
	})
}

func (p *ConnectionPool) startConnector() {
	c := p.manager.newConnector(p.addr)
	p.connectors[c] = struct{}{}
	c.connect(p, func(conn *PooledConnection, err error) {
		delete(p.connectors, c)
		if p.closing {
			if conn != nil {
				_ = conn.close()
			}
			p.maybeFullyClosed()
			return
		}
		if err != nil {
			connErr, _ := err.(*ConnectionError)
			if connErr != nil && connErr.Code.IsCritical() {
				p.criticalErr = true
				p.manager.notifyCriticalError(p, connErr)
				return
			}
			p.scheduleReconnect()
			return
		}
		if p.manager.metrics != nil {
			p.manager.metrics.ConnectionOpened(p.addr)
		}
		p.addConnection(conn)
	})
}

// close begins draining this pool: every live connection is marked
// closing and closed at once, and every reconnect connector still dialing
// is cancelled. This package does not track individual in-flight requests
// past stream-ID allocation, so close does not wait for them; callers that
// need graceful per-request drain should stop issuing new writes before
// calling Remove or Close.
func (p *ConnectionPool) close() {
	if p.closing {
		return
	}
	p.closing = true
	wasUp := p.notifiedUp

	for _, conn := range p.connections {
		conn.beginClose()
		_ = conn.close()
		p.manager.metrics.ConnectionClosed(p.addr, nil)
	}
	p.connections = nil
	p.dirty = make(map[*PooledConnection]struct{})

	for c := range p.connectors {
		c.cancelAttempt()
	}

	if wasUp {
		p.notifiedUp = false
		p.manager.notifyDown(p)
	}

	p.maybeFullyClosed()
}

// maybeFullyClosed notifies the manager once every connector this pool
// started has reported back, so the manager can erase the pool and, if
// the manager itself is closing, potentially finish its own shutdown.
// This must be the last statement in any method that might call it,
// mirroring the ordering the manager itself requires of maybeClosed.
func (p *ConnectionPool) maybeFullyClosed() {
	if p.closing && len(p.connectors) == 0 {
		p.manager.notifyClosed(p, false)
	}
}
