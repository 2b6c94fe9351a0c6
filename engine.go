// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lesismal/nbhttpc/logging"
	"github.com/lesismal/nbhttpc/taskpool"
)

const (
	// DefaultPollInterval .
	DefaultPollInterval = time.Millisecond * 10
)

// Config Of Engine.
type Config struct {
	// Name describes your engine name for logging, it's set to "NB" by default.
	Name string

	// NWorkers is the number of goroutines stepping connections during one
	// pass. With 1 or less every connection is stepped on the loop goroutine.
	NWorkers int

	// PollInterval is the longest the loop sleeps when no connection made
	// progress and nothing woke it, it's set to 10ms by default.
	PollInterval time.Duration
}

// Engine is the scheduler. Each pass polls every registered Stepper's
// transport and steps it once with the result. Passes repeat while any
// Stepper progresses, then the loop sleeps until Wake or PollInterval.
type Engine struct {
	Name string

	mux      sync.Mutex
	steppers []Stepper

	pollInterval time.Duration
	pool         *taskpool.FixedPool

	running int32
	chWake  chan struct{}
	chStop  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine .
func NewEngine(conf Config) *Engine {
	if conf.Name == "" {
		conf.Name = "NB"
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		Name:         conf.Name,
		pollInterval: conf.PollInterval,
		chWake:       make(chan struct{}, 1),
		chStop:       make(chan struct{}),
	}
	if conf.NWorkers > 1 {
		e.pool = taskpool.NewFixedPool(conf.NWorkers, 64)
	}
	return e
}

// Register adds s to the polling set.
func (e *Engine) Register(s Stepper) {
	e.mux.Lock()
	for _, v := range e.steppers {
		if v == s {
			e.mux.Unlock()
			return
		}
	}
	e.steppers = append(e.steppers, s)
	e.mux.Unlock()
	e.Wake()
}

// Unregister removes s from the polling set.
func (e *Engine) Unregister(s Stepper) {
	e.mux.Lock()
	defer e.mux.Unlock()
	for i, v := range e.steppers {
		if v == s {
			last := len(e.steppers) - 1
			e.steppers[i] = e.steppers[last]
			e.steppers[last] = nil
			e.steppers = e.steppers[:last]
			return
		}
	}
}

// Len returns the number of registered steppers.
func (e *Engine) Len() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return len(e.steppers)
}

// Wake interrupts the loop's sleep. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.chWake <- struct{}{}:
	default:
	}
}

// Poll runs one pass and reports whether any stepper made progress. It is
// used by Start's loop and by callers that drive the engine themselves.
func (e *Engine) Poll() bool {
	e.mux.Lock()
	steppers := make([]Stepper, len(e.steppers))
	copy(steppers, e.steppers)
	e.mux.Unlock()

	if e.pool == nil {
		progress := false
		for _, s := range steppers {
			if e.step(s) {
				progress = true
			}
		}
		return progress
	}

	var progress int32
	wg := sync.WaitGroup{}
	for i, s := range steppers {
		s := s
		wg.Add(1)
		err := e.pool.GoByIndex(i, func() {
			defer wg.Done()
			if e.step(s) {
				atomic.StoreInt32(&progress, 1)
			}
		})
		if err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	return atomic.LoadInt32(&progress) == 1
}

func (e *Engine) step(s Stepper) (progress bool) {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logging.Error("Engine[%v] step failed: %v\n%v\n", e.Name, err, *(*string)(unsafe.Pointer(&buf)))
		}
	}()

	var ready Readiness
	if t := s.Transport(); t != nil {
		ready = t.Ready()
	}
	return s.Step(ready)
}

// Start runs the loop in a new goroutine.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil
	}
	e.wg.Add(1)
	go e.loop()
	logging.Info("Engine[%v] start", e.Name)
	return nil
}

func (e *Engine) loop() {
	defer e.wg.Done()

	t := time.NewTimer(e.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-e.chStop:
			return
		default:
		}

		if e.Poll() {
			continue
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(e.pollInterval)

		select {
		case <-e.chWake:
		case <-t.C:
		case <-e.chStop:
			return
		}
	}
}

// Running reports whether Start's loop is active.
func (e *Engine) Running() bool {
	return atomic.LoadInt32(&e.running) == 1
}

// Stop ends the loop and waits for the current pass to finish.
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 2) {
		return
	}
	close(e.chStop)
	e.wg.Wait()
	if e.pool != nil {
		e.pool.Stop()
	}
	logging.Info("Engine[%v] stop", e.Name)
}
