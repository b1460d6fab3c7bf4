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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener records every event it receives, guarded by a mutex
// since notify methods always run on the loop but tests assert from the
// main goroutine.
type recordingListener struct {
	mu       sync.Mutex
	up       []Address
	down     []Address
	critical []*ConnectionError
	removed  []Address
	closed   int
}

func (l *recordingListener) OnPoolUp(addr Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = append(l.up, addr)
}

func (l *recordingListener) OnPoolDown(addr Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = append(l.down, addr)
}

func (l *recordingListener) OnPoolCriticalError(_ Address, err *ConnectionError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.critical = append(l.critical, err)
}

func (l *recordingListener) OnPoolRemoved(addr Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, addr)
}

func (l *recordingListener) OnClose(*ConnectionPoolManager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
}

func (l *recordingListener) upCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.up)
}

func (l *recordingListener) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *recordingListener) downCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.down)
}

var _ Listener = (*recordingListener)(nil)

func newTestManager(t *testing.T, listener *recordingListener, factory *fakeSocketFactory, opts ...ManagerOption) (*ConnectionPoolManager, *testLoop) {
	t.Helper()
	loop := newTestLoop()
	base := []ManagerOption{
		WithEventLoop(loop),
		WithSocketFactory(factory),
		WithProtocolCodec(&fakeCodec{streamCapacity: 8}),
		WithListener(listener),
		WithSettings(Settings{NumConnectionsPerHost: 2, ReconnectWaitTime: 5 * time.Second, QueueSizeIO: 1 << 20}),
		withSynchronousDial(),
	}
	manager, err := NewManager(4, "", append(base, opts...)...)
	require.NoError(t, err)
	return manager, loop
}

func TestNewManagerRequiresCodec(t *testing.T) {
	t.Parallel()

	_, err := NewManager(4, "")
	assert.Error(t, err)
}

func TestManagerAddEstablishesPoolAndNotifiesUp(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()

	assert.Equal(t, 1, listener.upCount())
	assert.Contains(t, manager.Available(), addr)

	conn := manager.FindLeastBusy(addr)
	require.NotNil(t, conn)
	assert.True(t, conn.IsAvailable())
}

func TestManagerAddIsIdempotent(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	manager.Add(addr)
	loop.Drain()

	assert.Equal(t, 1, listener.upCount(), "Add on an address already pooled or pending must be a no-op")
}

func TestManagerFindLeastBusyPicksLowestPending(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()

	first := manager.FindLeastBusy(addr)
	require.NotNil(t, first)
	_, err := first.Write([]byte("x"))
	require.NoError(t, err)

	second := manager.FindLeastBusy(addr)
	require.NotNil(t, second)
	assert.NotSame(t, first, second, "the connection with a pending request should not be picked again while an idle sibling exists")
}

func TestManagerFlushDrainsQueuedWrites(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()

	conn := manager.FindLeastBusy(addr)
	require.NotNil(t, conn)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	manager.Flush()
	assert.Positive(t, conn.socket.(*fakeSocket).Written.Len())
}

func TestManagerReconnectsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()
	require.Equal(t, 1, listener.upCount())

	pool := manager.pools[addr]
	require.NotNil(t, pool)
	require.Equal(t, 2, pool.Size())

	conn := pool.connections[0]
	pool.onConnectionFailed(conn, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "reset"})
	assert.Equal(t, 1, pool.Size(), "the failed connection must be removed immediately")
	assert.Equal(t, 0, listener.downCount(), "pool still has one live connection, so it must not report down")

	loop.Advance(5 * time.Second)
	assert.Equal(t, 2, pool.Size(), "the scheduled reconnect should have replaced the failed connection")
}

func TestManagerPoolGoesDownAndBackUp(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory, WithSettings(Settings{
		NumConnectionsPerHost: 1,
		ReconnectWaitTime:     time.Second,
		QueueSizeIO:           1 << 20,
	}))

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()
	require.Equal(t, 1, listener.upCount())

	pool := manager.pools[addr]
	require.Equal(t, 1, pool.Size())
	conn := pool.connections[0]

	pool.onConnectionFailed(conn, &ConnectionError{Code: ErrorCodeTransientConnect, Message: "reset"})
	assert.Equal(t, 1, listener.downCount(), "losing the only connection must report the pool down")

	loop.Advance(time.Second)
	assert.Equal(t, 2, listener.upCount(), "regaining a connection after going down must report up again")
}

func TestManagerCriticalErrorStopsRetrying(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	codec := &fakeCodec{streamCapacity: 8}
	manager, loop := newTestManager(t, listener, factory, WithProtocolCodec(codec), WithSettings(Settings{
		NumConnectionsPerHost: 1,
		ReconnectWaitTime:     time.Second,
		QueueSizeIO:           1 << 20,
	}))

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()
	require.Equal(t, 1, listener.upCount())

	pool := manager.pools[addr]
	conn := pool.connections[0]
	pool.onConnectionFailed(conn, &ConnectionError{Code: ErrorCodeCriticalAuth, Message: "bad credentials"})

	require.Len(t, listener.critical, 1)
	assert.Equal(t, ErrorCodeCriticalAuth, listener.critical[0].Code)

	loop.Advance(10 * time.Second)
	assert.Equal(t, 0, pool.Size(), "a pool with a critical error must not reconnect")
}

func TestManagerCloseDrainsPoolsAndNotifiesRemoved(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	addr := mustTestAddress(t)
	manager.Add(addr)
	loop.Drain()
	require.Contains(t, manager.Available(), addr)

	manager.Close()
	loop.Drain()

	assert.Empty(t, manager.Available())
	assert.Equal(t, closeStateClosed, manager.closeState)
	assert.Contains(t, listener.removed, addr)
	assert.Equal(t, 1, listener.closeCount(), "on_close must fire exactly once, after every pool has drained")
}

func TestManagerCloseWithNoPoolsFiresOnCloseOnce(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory)

	manager.Close()
	loop.Drain()

	assert.Equal(t, closeStateClosed, manager.closeState)
	assert.Equal(t, 1, listener.closeCount())
}

// TestManagerCloseDropsInFlightAddSilently exercises the race the
// cancelAttempt mechanism exists for: a connector's result is already
// queued on the loop when Close runs. The result must still be dropped
// silently, not installed as a pool, and the manager must still reach
// on_close once that dropped result has been accounted for.
func TestManagerCloseDropsInFlightAddSilently(t *testing.T) {
	t.Parallel()

	listener := &recordingListener{}
	factory := newFakeSocketFactory()
	manager, loop := newTestManager(t, listener, factory, WithSettings(Settings{
		NumConnectionsPerHost: 1, ReconnectWaitTime: time.Second, QueueSizeIO: 1 << 20,
	}))

	addr := mustTestAddress(t)
	manager.Add(addr)

	// Run only the add() task. Dialing is synchronous, so this starts
	// and finishes the one child connector inline and leaves its result
	// queued on the loop, not yet delivered to handleConnect.
	loop.popOldest(t)()
	require.Len(t, manager.pendingPools, 1)

	// Close is requested, and queued after the connector's already-
	// pending result. Run it out of order, as cancelAttempt racing a
	// completed dial would in production.
	manager.Close()
	loop.popNewest(t)()
	assert.Equal(t, closeStateClosing, manager.closeState)

	// Deliver the connector's result now that it has been cancelled.
	loop.Drain()

	assert.Empty(t, manager.Available(), "a pool must never be installed once the manager has started closing")
	assert.Equal(t, 0, listener.upCount(), "on_pool_up must not fire for a pool whose Add was cancelled by Close")
	assert.Empty(t, manager.pendingPools)
	assert.Equal(t, closeStateClosed, manager.closeState)
	assert.Equal(t, 1, listener.closeCount())
}
