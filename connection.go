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

// PooledConnection is one multiplexed TCP connection inside a
// ConnectionPool. Callers on the request path obtain one via
// ConnectionPoolManager.FindLeastBusy, call Write to enqueue a framed
// payload, and rely on the pool's periodic Flush to drain the queue to the
// wire. All bookkeeping below — streamIDs, queued, closed — is only ever
// touched from the owning EventLoop, so PooledConnection itself takes no
// lock; FindLeastBusy's reads of the stream-ID count happen on that same
// goroutine and need no lock either.
type PooledConnection struct {
	addr    Address
	socket  Socket
	codec   ProtocolCodec
	pool    *ConnectionPool
	metrics MetricsSink

	streamIDs   freeList
	queued      [][]byte
	queuedBytes int
	queueLimit  int

	closing bool
	closed  bool
}

// freeList is a bounded allocator of int16 stream IDs in [0, capacity).
// Grounded on the stream multiplexing a wide-column wire protocol expects:
// a fixed number of concurrently outstanding requests per connection,
// identified by a small integer tag that the server echoes back on the
// matching response.
type freeList struct {
	free []int16
}

func newFreeList(capacity int) freeList {
	free := make([]int16, capacity)
	for i := range free {
		free[i] = int16(capacity - 1 - i)
	}
	return freeList{free: free}
}

func (f *freeList) acquire() (int16, bool) {
	if len(f.free) == 0 {
		return 0, false
	}
	id := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	return id, true
}

func (f *freeList) release(id int16) {
	f.free = append(f.free, id)
}

func (f *freeList) inUse() int {
	return cap(f.free) - len(f.free)
}

func newPooledConnection(addr Address, socket Socket, codec ProtocolCodec, result HandshakeResult, pool *ConnectionPool, metrics MetricsSink, queueLimit int) *PooledConnection {
	return &PooledConnection{
		addr:       addr,
		socket:     socket,
		codec:      codec,
		pool:       pool,
		metrics:    metrics,
		streamIDs:  newFreeList(result.StreamCapacity),
		queueLimit: queueLimit,
	}
}

// setPool attaches conn to the pool that owns it. Used by poolConnector
// once a brand-new pool is created from its first successful connections,
// which are dialed before the pool object itself exists.
func (c *PooledConnection) setPool(pool *ConnectionPool) {
	c.pool = pool
}

// Address returns the endpoint this connection is attached to.
func (c *PooledConnection) Address() Address {
	return c.addr
}

// PendingRequestCount is the number of currently allocated stream IDs,
// i.e. requests written but not yet answered. ConnectionPool.findLeastBusy
// uses this to pick the least-loaded connection in its pool.
func (c *PooledConnection) PendingRequestCount() int {
	return c.streamIDs.inUse()
}

// IsAvailable reports whether the connection can accept another request:
// it is neither closing nor out of free stream IDs.
func (c *PooledConnection) IsAvailable() bool {
	return !c.closing && !c.closed && len(c.streamIDs.free) > 0
}

// Write allocates a stream ID, frames payload via the pool's
// ProtocolCodec, and enqueues it for the next Flush. It does not block on
// I/O: the actual socket write happens in Flush, batched with whatever
// else queued up since the last tick.
func (c *PooledConnection) Write(payload []byte) (streamID int16, err error) {
	if c.closing || c.closed {
		return 0, ErrConnectionClosing
	}
	id, ok := c.streamIDs.acquire()
	if !ok {
		return 0, ErrStreamIDsExhausted
	}
	framed := c.codec.EncodeFrame(id, payload)
	if c.queuedBytes+len(framed) > c.queueLimit {
		c.streamIDs.release(id)
		return 0, ErrWriteQueueFull
	}
	c.queued = append(c.queued, framed)
	c.queuedBytes += len(framed)
	if c.pool != nil {
		c.pool.requireFlush(c)
	}
	return id, nil
}

// ReleaseStream returns a stream ID to the free list once its response
// has been delivered (or the request abandoned). The pool's read path
// calls this, not request callers.
func (c *PooledConnection) ReleaseStream(streamID int16) {
	c.streamIDs.release(streamID)
}

// flush drains the queued frames to the socket in one vectored-style
// write, amortizing syscall overhead across everything that queued up
// since the previous tick. This mirrors the batching discipline the
// teacher's HTTP transport applies to its connection pool's writes.
func (c *PooledConnection) flush() error {
	if len(c.queued) == 0 {
		return nil
	}
	var buf []byte
	for _, frame := range c.queued {
		buf = append(buf, frame...)
	}
	n := len(buf)
	c.queued = c.queued[:0]
	c.queuedBytes = 0

	if _, err := c.socket.Write(buf); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.BytesWritten(c.addr, n)
	}
	return nil
}

// beginClose marks the connection as no longer accepting new writes. It
// does not close the socket; the caller (ConnectionPool) does that once
// in-flight streams have drained or a deadline passes.
func (c *PooledConnection) beginClose() {
	c.closing = true
}

// close tears down the socket. Safe to call more than once.
func (c *PooledConnection) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closing = true
	return c.socket.Close()
}
