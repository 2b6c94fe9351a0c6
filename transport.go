// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

// Readiness is a set of per-connection readiness bits reported by a Transport.
type Readiness uint8

const (
	// ReadyRead means Recv will return data, EOF or an error without waiting.
	ReadyRead Readiness = 1 << iota
	// ReadyWrite means Send will accept at least one byte.
	ReadyWrite
	// ReadyError means the transport holds a pending error.
	ReadyError
)

// Has .
func (r Readiness) Has(bits Readiness) bool {
	return r&bits != 0
}

// String .
func (r Readiness) String() string {
	s := ""
	if r.Has(ReadyRead) {
		s += "r"
	}
	if r.Has(ReadyWrite) {
		s += "w"
	}
	if r.Has(ReadyError) {
		s += "e"
	}
	if s == "" {
		s = "-"
	}
	return s
}

// Transport is a non-blocking byte stream. None of its methods wait on the
// network.
type Transport interface {
	// Connect starts or advances a connect. It returns nil once connected and
	// ErrWouldBlock while the connect is in progress.
	Connect() error
	// Send queues bytes for transmission and returns how many were accepted.
	// It returns ErrWouldBlock when nothing can be accepted.
	Send(b []byte) (int, error)
	// Recv copies received bytes into b. It returns ErrWouldBlock when
	// nothing is buffered and ErrPeerClosed after the peer closed.
	Recv(b []byte) (int, error)
	// Close releases the transport.
	Close() error
	// Ready polls the readiness bits.
	Ready() Readiness
}

// Notifier is implemented by transports that can wake a scheduler when their
// readiness changes.
type Notifier interface {
	SetNotify(f func())
}

// Stepper is a cooperative state machine driven by an Engine.
type Stepper interface {
	// Transport returns the current transport, or nil before the first connect.
	Transport() Transport
	// Step advances as far as ready permits and reports whether any progress
	// was made.
	Step(ready Readiness) bool
}
