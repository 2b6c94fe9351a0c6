// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lesismal/nbhttpc/logging"
)

const (
	TimeForever = time.Duration(math.MaxInt64)
)

// Timer schedules callbacks with panic recovery. It tracks how many callbacks
// are pending so owners can tell whether timeouts are still armed.
type Timer struct {
	name    string
	pending int64

	asyncMux  sync.Mutex
	asyncList []func()
}

// Item is a scheduled callback.
type Item struct {
	parent *Timer
	t      *time.Timer
	armed  int32
}

// New .
func New(name string) *Timer {
	return &Timer{name: name, asyncList: make([]func(), 8)[0:0]}
}

// Pending returns the number of callbacks waiting to fire.
func (t *Timer) Pending() int {
	return int(atomic.LoadInt64(&t.pending))
}

// After used as time.After.
func (t *Timer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// AfterFunc runs f in its own goroutine after timeout.
func (t *Timer) AfterFunc(timeout time.Duration, f func()) *Item {
	it := &Item{parent: t, armed: 1}
	atomic.AddInt64(&t.pending, 1)
	it.t = time.AfterFunc(timeout, func() {
		if !it.disarm() {
			return
		}
		t.safeCall("exec", f)
	})
	return it
}

// Reset re-arms the item to fire timeout from now. It reports whether the
// item was still pending.
func (it *Item) Reset(timeout time.Duration) bool {
	if it == nil || it.t == nil {
		return false
	}
	if !it.t.Stop() {
		return false
	}
	it.t.Reset(timeout)
	return true
}

// Stop cancels the item.
func (it *Item) Stop() {
	if it == nil || it.t == nil {
		return
	}
	it.t.Stop()
	it.disarm()
}

func (it *Item) disarm() bool {
	if atomic.CompareAndSwapInt32(&it.armed, 1, 0) {
		atomic.AddInt64(&it.parent.pending, -1)
		return true
	}
	return false
}

func (t *Timer) safeCall(kind string, f func()) {
	defer func() {
		err := recover()
		if err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logging.Error("Timer[%v] %v call failed: %v\n%v\n", t.name, kind, err, *(*string)(unsafe.Pointer(&buf)))
		}
	}()
	f()
}

// Async executes f in another goroutine. Calls queued by Async run in order.
func (t *Timer) Async(f func()) {
	t.asyncMux.Lock()
	isHead := (len(t.asyncList) == 0)
	t.asyncList = append(t.asyncList, f)
	t.asyncMux.Unlock()
	if isHead {
		go func() {
			i := 0
			for {
				t.asyncMux.Lock()
				if i == len(t.asyncList) {
					if cap(t.asyncList) > 1024 {
						t.asyncList = make([]func(), 0, 8)
					} else {
						t.asyncList = t.asyncList[0:0]
					}
					t.asyncMux.Unlock()
					return
				}
				f := t.asyncList[i]
				i++
				t.asyncMux.Unlock()
				t.safeCall("async", f)
			}
		}()
	}
}
