// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

import (
	"sync/atomic"
	"testing"
	"time"
)

type countTransport struct {
	ready Readiness
}

func (t *countTransport) Connect() error { return nil }
func (t *countTransport) Send(b []byte) (int, error) { return len(b), nil }
func (t *countTransport) Recv(b []byte) (int, error) { return 0, ErrWouldBlock }
func (t *countTransport) Close() error { return nil }
func (t *countTransport) Ready() Readiness { return t.ready }

// countStepper progresses until budget steps were taken.
type countStepper struct {
	transport Transport
	budget    int32
	steps     int32
	lastReady Readiness
	panics    bool
}

func (s *countStepper) Transport() Transport {
	return s.transport
}

func (s *countStepper) Step(ready Readiness) bool {
	if s.panics {
		panic("step failed")
	}
	s.lastReady = ready
	return atomic.AddInt32(&s.steps, 1) <= atomic.LoadInt32(&s.budget)
}

func TestEnginePoll(t *testing.T) {
	e := NewEngine(Config{})
	s := &countStepper{transport: &countTransport{ready: ReadyRead | ReadyWrite}, budget: 2}
	e.Register(s)
	e.Register(s)
	if e.Len() != 1 {
		t.Fatalf("Len() = %v after a duplicate Register", e.Len())
	}

	if !e.Poll() || !e.Poll() {
		t.Fatalf("Poll reported no progress within budget")
	}
	if e.Poll() {
		t.Fatalf("Poll reported progress past budget")
	}
	if s.lastReady != ReadyRead|ReadyWrite {
		t.Fatalf("stepped with %v", s.lastReady)
	}

	e.Unregister(s)
	if e.Len() != 0 || e.Poll() {
		t.Fatalf("stepper still registered")
	}
}

func TestEngineNoTransport(t *testing.T) {
	e := NewEngine(Config{})
	s := &countStepper{budget: 1}
	e.Register(s)
	if !e.Poll() || s.lastReady != 0 {
		t.Fatalf("stepper without transport: ready %v", s.lastReady)
	}
}

func TestEngineRecoversPanic(t *testing.T) {
	e := NewEngine(Config{})
	bad := &countStepper{panics: true}
	good := &countStepper{budget: 1}
	e.Register(bad)
	e.Register(good)
	if !e.Poll() {
		t.Fatalf("panicking stepper stopped the pass")
	}
	if atomic.LoadInt32(&good.steps) != 1 {
		t.Fatalf("good stepper steps: %v", good.steps)
	}
}

func TestEngineWorkers(t *testing.T) {
	e := NewEngine(Config{NWorkers: 4})
	var steppers []*countStepper
	for i := 0; i < 16; i++ {
		s := &countStepper{budget: 3}
		steppers = append(steppers, s)
		e.Register(s)
	}
	passes := 0
	for e.Poll() {
		passes++
	}
	if passes != 3 {
		t.Fatalf("passes: %v", passes)
	}
	for i, s := range steppers {
		if atomic.LoadInt32(&s.steps) != 4 {
			t.Fatalf("stepper %v steps: %v", i, s.steps)
		}
	}
	e.Stop()
}

func TestEngineStartWake(t *testing.T) {
	e := NewEngine(Config{Name: "test", PollInterval: time.Hour})
	s := &countStepper{budget: 0}
	e.Register(s)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()
	if !e.Running() {
		t.Fatalf("engine not running")
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&s.steps) >= 1 })
	before := atomic.LoadInt32(&s.steps)
	atomic.StoreInt32(&s.budget, before+5)
	e.Wake()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&s.steps) >= before+6 })

	e.Stop()
	if e.Running() {
		t.Fatalf("engine running after Stop")
	}
	e.Stop()
}
