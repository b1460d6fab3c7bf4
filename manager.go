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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type closeState int

const (
	closeStateOpen closeState = iota
	closeStateClosing
	closeStateClosed
)

// ConnectionPoolManager maintains one ConnectionPool per server endpoint
// it has been told to Add, and mediates connection selection for
// outgoing requests. Go's garbage collector stands in for the reference
// counting the original driver used to keep itself alive until every pool
// finished closing; what survives here is the ordering constraint that
// counting existed to enforce: Close returns immediately while teardown
// continues asynchronously on the EventLoop, and maybeClosed must always
// run last in any method that can call it.
type ConnectionPoolManager struct {
	loop              EventLoop
	ownsLoop          bool
	protocolVersion   int
	settings          Settings
	socketFactory     SocketFactory
	codec             ProtocolCodec
	metrics           MetricsSink
	logger            FieldLogger
	heartbeat         HeartbeatFactory
	heartbeatInterval time.Duration
	synchronousDial   bool

	listener   Listener
	listenerMu sync.RWMutex

	keyspaceMu sync.RWMutex
	keyspace   string

	pools        map[Address]*ConnectionPool
	pendingPools map[*poolConnector]Address
	toFlush      map[*ConnectionPool]struct{}
	closeState   closeState
}

// NewManager constructs a ConnectionPoolManager. The EventLoop, socket
// factory, and protocol codec can all be overridden via options; a
// ProtocolCodec must always be supplied by the caller, since this
// package has no usable default for it.
func NewManager(protocolVersion int, keyspace string, opts ...ManagerOption) (*ConnectionPoolManager, error) {
	options := managerOptions{
		settings: DefaultSettings(),
		keyspace: keyspace,
	}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if err := options.settings.Validate(); err != nil {
		return nil, err
	}
	if options.codec == nil {
		return nil, &ConnectionError{Code: ErrorCodeCriticalProtocol, Message: "no ProtocolCodec configured: use WithProtocolCodec"}
	}

	loop := options.loop
	ownsLoop := loop == nil
	if loop == nil {
		loop = NewGoroutineLoop()
	}
	factory := options.socketFactory
	if factory == nil {
		factory = NewNetSocketFactory()
	}
	listener := options.listener
	if listener == nil {
		listener = NopListener{}
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	logger := options.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	heartbeat := options.heartbeat
	if heartbeat == nil {
		heartbeat = NopHeartbeatFactory{}
	}
	heartbeatInterval := options.heartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if protocolVersion == 0 && options.protocolVersion != 0 {
		protocolVersion = options.protocolVersion
	}

	manager := &ConnectionPoolManager{
		loop:            loop,
		ownsLoop:        ownsLoop,
		protocolVersion: protocolVersion,
		settings:        options.settings,
		socketFactory:   factory,
		codec:           options.codec,
		metrics:         metrics,
		logger:          logger,
		heartbeat:       heartbeat,
		heartbeatInterval: heartbeatInterval,
		synchronousDial: options.synchronousDial,
		listener:        listener,
		keyspace:        options.keyspace,
		pools:           make(map[Address]*ConnectionPool),
		pendingPools:    make(map[*poolConnector]Address),
		toFlush:         make(map[*ConnectionPool]struct{}),
	}
	return manager, nil
}

// scheduleHeartbeat arms the next heartbeat probe for conn, unless
// heartbeats are disabled (the default). It reschedules itself after
// every successful probe; a failed probe is handled as a transient
// connection failure, which closes conn and ends its heartbeats. There is
// no separate cancellation token: once conn is closed or the pool is
// closing, the next scheduled probe and any pending reschedule are no-ops.
func (m *ConnectionPoolManager) scheduleHeartbeat(pool *ConnectionPool, conn *PooledConnection) {
	if _, disabled := m.heartbeat.(NopHeartbeatFactory); disabled {
		return
	}
	checker := m.heartbeat.NewChecker(conn.Address())
	m.armHeartbeat(pool, conn, checker)
}

func (m *ConnectionPoolManager) armHeartbeat(pool *ConnectionPool, conn *PooledConnection, checker HeartbeatChecker) {
	m.loop.PostDelayed(m.heartbeatInterval, func() {
		if conn.closed || pool.closing {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
			defer cancel()
			err := checker.Probe(ctx, conn.socket)
			m.loop.PostTask(func() {
				if conn.closed || pool.closing {
					return
				}
				if err != nil {
					pool.onConnectionFailed(conn, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "heartbeat failed", Cause: err})
					return
				}
				m.armHeartbeat(pool, conn, checker)
			})
		}()
	})
}

func (m *ConnectionPoolManager) newConnector(addr Address) *connector {
	return newConnector(addr, m.loop, m.socketFactory, m.codec, m.settings, m.protocolVersion, m.Keyspace(), m.metrics, m.logger, m.synchronousDial)
}

// FindLeastBusy returns the least-loaded available connection for addr,
// or nil if addr has no pool or no available connection. This is a
// read-only linear scan over at most NumConnectionsPerHost connections —
// intentionally not routed through any cross-endpoint load-balancing
// policy, which is a concern this package leaves entirely to its caller.
func (m *ConnectionPoolManager) FindLeastBusy(addr Address) *PooledConnection {
	pool, ok := m.pools[addr]
	if !ok {
		return nil
	}
	return pool.findLeastBusy()
}

// Available returns every address with a currently live pool.
func (m *ConnectionPoolManager) Available() []Address {
	result := make([]Address, 0, len(m.pools))
	for addr := range m.pools {
		result = append(result, addr)
	}
	return result
}

// Flush drains every pool that has queued writes since the last call.
// A caller typically invokes this once per I/O loop tick.
func (m *ConnectionPoolManager) Flush() {
	for pool := range m.toFlush {
		pool.flush()
		m.metrics.InFlightRequests(pool.Address(), pool.totalPending())
	}
	m.toFlush = make(map[*ConnectionPool]struct{})
}

func (m *ConnectionPoolManager) requiresFlush(pool *ConnectionPool) {
	m.toFlush[pool] = struct{}{}
}

// Add starts establishing a pool of NumConnectionsPerHost connections to
// addr. It is idempotent: calling it again for an address that already
// has a pool, or one still being established, does nothing. Add runs
// asynchronously; use a Listener to learn when the pool comes up.
func (m *ConnectionPoolManager) Add(addr Address) {
	m.loop.PostTask(func() {
		m.add(addr)
	})
}

func (m *ConnectionPoolManager) add(addr Address) {
	if m.closeState != closeStateOpen {
		return
	}
	if _, ok := m.pools[addr]; ok {
		return
	}
	for _, pending := range m.pendingPools {
		if pending == addr {
			return
		}
	}

	pc := newPoolConnector(addr, m)
	m.pendingPools[pc] = addr
	pc.connect(func(pool *ConnectionPool, criticalErr *ConnectionError) {
		m.loop.PostTask(func() {
			m.handleConnect(pc, pool, criticalErr)
		})
	})
}

// handleConnect is the single place a poolConnector's outcome reaches the
// manager. It must check closeState itself: a poolConnector cancelled by
// close can still have a dial resolve afterward, and a pool dialed before
// Close was called can finish after it. Either way, once the manager is
// no longer open, the result is dropped silently instead of installing a
// pool nothing will ever drain.
func (m *ConnectionPoolManager) handleConnect(pc *poolConnector, pool *ConnectionPool, criticalErr *ConnectionError) {
	addr := m.pendingPools[pc]
	delete(m.pendingPools, pc)
	if m.closeState != closeStateOpen {
		if pool != nil {
			pool.close()
		}
		m.maybeClosed()
		return
	}
	if pool != nil {
		m.addPool(pool)
	} else if criticalErr != nil && criticalErr.Code.IsCritical() {
		m.currentListener().OnPoolCriticalError(addr, criticalErr)
	}
	m.maybeClosed()
}

func (m *ConnectionPoolManager) addPool(pool *ConnectionPool) {
	if m.logger != nil {
		m.logger.WithField("address", pool.Address().String()).Debug("adding connection pool")
	}
	m.pools[pool.Address()] = pool
}

// Remove closes addr's pool, if any, and erases it once drained. It is a
// no-op if addr has no pool.
func (m *ConnectionPoolManager) Remove(addr Address) {
	m.loop.PostTask(func() {
		m.remove(addr)
	})
}

func (m *ConnectionPoolManager) remove(addr Address) {
	pool, ok := m.pools[addr]
	if !ok {
		return
	}
	pool.close()
}

// SetListener installs the Listener that observes pool lifecycle events.
// A nil listener restores the no-op default.
func (m *ConnectionPoolManager) SetListener(listener Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if listener == nil {
		listener = NopListener{}
	}
	m.listener = listener
}

func (m *ConnectionPoolManager) currentListener() Listener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener
}

// Keyspace returns the keyspace newly established connections are set up
// with.
func (m *ConnectionPoolManager) Keyspace() string {
	m.keyspaceMu.RLock()
	defer m.keyspaceMu.RUnlock()
	return m.keyspace
}

// SetKeyspace changes the keyspace used by connections established from
// this point forward. It has no effect on already-open connections.
func (m *ConnectionPoolManager) SetKeyspace(keyspace string) {
	m.keyspaceMu.Lock()
	defer m.keyspaceMu.Unlock()
	m.keyspace = keyspace
}

// Close begins shutting down every pool. It returns immediately; pool
// teardown, and the eventual call to Listener.OnPoolRemoved for each
// address, happen asynchronously on the EventLoop.
func (m *ConnectionPoolManager) Close() {
	m.loop.PostTask(func() {
		m.close()
	})
}

func (m *ConnectionPoolManager) close() {
	if m.closeState == closeStateOpen {
		m.closeState = closeStateClosing
		for _, pool := range m.pools {
			pool.close()
		}
		for pc := range m.pendingPools {
			pc.cancelAttempt()
		}
	}
	m.maybeClosed()
}

// notifyUp, notifyDown, notifyCriticalError, and notifyClosed are called
// only by ConnectionPool, tagged here as the manager's "protected"
// callback surface: code outside this package never calls them directly.

func (m *ConnectionPoolManager) notifyUp(pool *ConnectionPool) {
	m.currentListener().OnPoolUp(pool.Address())
}

func (m *ConnectionPoolManager) notifyDown(pool *ConnectionPool) {
	m.currentListener().OnPoolDown(pool.Address())
}

func (m *ConnectionPoolManager) notifyCriticalError(pool *ConnectionPool, err *ConnectionError) {
	var addr Address
	if pool != nil {
		addr = pool.Address()
	}
	m.currentListener().OnPoolCriticalError(addr, err)
}

// notifyClosed erases pool from the manager, optionally notifying the
// listener that it went down, then checks whether the manager's own
// shutdown has now fully drained. This must be the last statement run by
// whatever ConnectionPool method calls it, since maybeClosed can be the
// point at which the manager considers itself fully torn down.
func (m *ConnectionPoolManager) notifyClosed(pool *ConnectionPool, shouldNotifyDown bool) {
	delete(m.pools, pool.Address())
	delete(m.toFlush, pool)
	if shouldNotifyDown {
		m.currentListener().OnPoolDown(pool.Address())
	}
	m.currentListener().OnPoolRemoved(pool.Address())
	m.maybeClosed()
}

// maybeClosed finalizes manager shutdown once every pool has been erased
// and every still-dialing poolConnector has reported back (whether it
// succeeded, failed, or was dropped by a cancelAttempt). OnClose is the
// last listener call this manager ever makes, delivered exactly once.
// This must be the last statement in any function that calls it: past
// this point the manager may be eligible for garbage collection and must
// not be touched again on this call stack.
func (m *ConnectionPoolManager) maybeClosed() {
	if m.closeState != closeStateClosing || len(m.pools) != 0 || len(m.pendingPools) != 0 {
		return
	}
	m.closeState = closeStateClosed
	m.currentListener().OnClose(m)
	if m.ownsLoop {
		m.loop.Close()
	}
}
