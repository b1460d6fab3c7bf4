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
	"container/list"
	"sync"
	"time"

	"github.com/coldglass/wcpool/internal"
)

// goroutineLoop is the production EventLoop: a single dedicated goroutine
// draining a FIFO task queue, plus a min-heap-free delayed-task list. On
// each pass the goroutine arms a fresh internal.Timer for the next-soonest
// deadline (or a short idle wait) and sleeps until it fires or a post
// wakes it.
// This mirrors how the original driver drives its libuv loop from one
// thread: callers hand off work by enqueueing, and only the loop goroutine
// ever touches pool or manager state.
type goroutineLoop struct {
	clock internal.Clock

	mu      sync.Mutex
	tasks   *list.List // of func()
	delayed []delayedTask
	closed  bool
	wake    chan struct{}

	loopGoroutine chan struct{} // closed once the loop goroutine has started
	onLoop        sync.Map      // goroutine id substitute: see IsOnLoop
}

type delayedTask struct {
	due time.Time
	fn  func()
}

// NewGoroutineLoop starts an EventLoop backed by a dedicated goroutine. The
// returned loop must eventually be stopped by calling Close, typically via
// ConnectionPoolManager.Close, to let the goroutine exit.
func NewGoroutineLoop() *goroutineLoop {
	return newGoroutineLoopWithClock(internal.NewRealClock())
}

func newGoroutineLoopWithClock(clock internal.Clock) *goroutineLoop {
	loop := &goroutineLoop{
		clock: clock,
		tasks: list.New(),
		wake:  make(chan struct{}, 1),
	}
	go loop.run()
	return loop
}

func (l *goroutineLoop) PostTask(fn func()) {
	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.tasks.PushBack(fn)
	}
	l.mu.Unlock()
	if !closed {
		l.notify()
	}
}

func (l *goroutineLoop) PostDelayed(d time.Duration, fn func()) {
	if d <= 0 {
		l.PostTask(fn)
		return
	}
	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.delayed = append(l.delayed, delayedTask{due: l.clock.Now().Add(d), fn: fn})
	}
	l.mu.Unlock()
	if !closed {
		l.notify()
	}
}

func (l *goroutineLoop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// IsOnLoop reports whether the calling goroutine is the loop's own
// goroutine. It's a best-effort convenience for assertions in tests and
// debug logging, not a synchronization primitive.
func (l *goroutineLoop) IsOnLoop() bool {
	_, onLoop := l.onLoop.Load(currentGoroutineMarker{})
	return onLoop
}

// currentGoroutineMarker is stored in onLoop only while run() is executing
// on its own goroutine; goroutine-local storage doesn't exist in Go, so
// this only works because run() never hands its goroutine off to anyone
// else, and callers only ever ask IsOnLoop from within a task it dispatched.
type currentGoroutineMarker struct{}

func (l *goroutineLoop) run() {
	l.onLoop.Store(currentGoroutineMarker{}, true)
	defer l.onLoop.Delete(currentGoroutineMarker{})

	const idleWait = 50 * time.Millisecond
	for {
		l.drainReady()

		l.mu.Lock()
		closed := l.closed
		empty := l.tasks.Len() == 0
		l.mu.Unlock()
		if closed && empty {
			return
		}

		wait := idleWait
		if next, ok := l.nextDeadline(); ok {
			if until := next.Sub(l.clock.Now()); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := l.clock.NewTimer(wait)
		select {
		case <-l.wake:
		case <-timer.Chan():
		}
		timer.Stop()
	}
}

func (l *goroutineLoop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best time.Time
	found := false
	for _, dt := range l.delayed {
		if !found || dt.due.Before(best) {
			best = dt.due
			found = true
		}
	}
	return best, found
}

func (l *goroutineLoop) drainReady() {
	for {
		fn, ok := l.popTask()
		if !ok {
			return
		}
		fn()
	}
}

func (l *goroutineLoop) popTask() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for i := 0; i < len(l.delayed); i++ {
		if !l.delayed[i].due.After(now) {
			fn := l.delayed[i].fn
			l.delayed = append(l.delayed[:i], l.delayed[i+1:]...)
			return fn, true
		}
	}
	if front := l.tasks.Front(); front != nil {
		l.tasks.Remove(front)
		return front.Value.(func()), true
	}
	return nil, false
}

// Close stops the loop goroutine once its currently-queued immediate tasks
// have drained. Any delayed task whose deadline hasn't yet arrived is
// dropped, not run late; callers that need every scheduled reconnect or
// heartbeat to resolve before shutdown should rely on the manager's own
// close sequencing instead of a bare timer.
func (l *goroutineLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notify()
}

var _ EventLoop = (*goroutineLoop)(nil)
