// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package taskpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/lesismal/nbhttpc/logging"
)

// ErrStopped .
var ErrStopped = errors.New("taskpool stopped")

func call(f func()) {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logging.Error("taskpool call failed: %v\n%v\n", err, *(*string)(unsafe.Pointer(&buf)))
		}
	}()
	f()
}

// runner owns one goroutine. Tasks pushed to the same runner run in order.
type runner struct {
	wg      *sync.WaitGroup
	chTask  chan func()
	chClose chan struct{}
}

func (r *runner) taskLoop() {
	defer r.wg.Done()

	// drain what was queued before Stop
	defer func() {
		for {
			select {
			case f := <-r.chTask:
				call(f)
			default:
				return
			}
		}
	}()

	for {
		select {
		case f := <-r.chTask:
			call(f)
		case <-r.chClose:
			return
		}
	}
}

// FixedPool runs tasks on a fixed set of goroutines. Tasks with the same
// index always land on the same goroutine, so they never run concurrently.
type FixedPool struct {
	wg      *sync.WaitGroup
	stopped int32
	chClose chan struct{}
	runners []*runner
}

// Size returns the number of goroutines.
func (tp *FixedPool) Size() int {
	return len(tp.runners)
}

// GoByIndex schedules f on the runner selected by index.
func (tp *FixedPool) GoByIndex(index int, f func()) error {
	if f == nil {
		return nil
	}
	if atomic.LoadInt32(&tp.stopped) == 1 {
		return ErrStopped
	}
	r := tp.runners[uint32(index)%uint32(len(tp.runners))]
	select {
	case r.chTask <- f:
	case <-tp.chClose:
		return ErrStopped
	}
	return nil
}

// Go schedules f on the first runner.
func (tp *FixedPool) Go(f func()) error {
	return tp.GoByIndex(0, f)
}

// Stop closes the pool and waits for queued tasks to finish.
func (tp *FixedPool) Stop() {
	if atomic.CompareAndSwapInt32(&tp.stopped, 0, 1) {
		close(tp.chClose)
		tp.wg.Wait()
	}
}

// NewFixedPool .
func NewFixedPool(size int, bufferSize int) *FixedPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	tp := &FixedPool{
		wg:      &sync.WaitGroup{},
		chClose: make(chan struct{}),
		runners: make([]*runner, size),
	}

	for i := 0; i < size; i++ {
		r := &runner{
			wg:      tp.wg,
			chTask:  make(chan func(), bufferSize),
			chClose: tp.chClose,
		}
		tp.runners[i] = r
		tp.wg.Add(1)
		go r.taskLoop()
	}

	return tp
}
