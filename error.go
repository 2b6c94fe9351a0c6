// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

import (
	"errors"
	"io"
	"net"

	"github.com/lesismal/nbhttpc/mempool"
)

var (
	// ErrWouldBlock is returned when an operation cannot proceed without waiting.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTimeout .
	ErrTimeout = errors.New("i/o timeout")

	// ErrLinkDown .
	ErrLinkDown = errors.New("network link down")

	// ErrPoolEmpty .
	ErrPoolEmpty = mempool.ErrPoolEmpty

	// ErrPeerClosed is returned by Recv once the peer has closed and all
	// received bytes have been consumed.
	ErrPeerClosed = errors.New("closed by peer")

	// ErrTransportClosed .
	ErrTransportClosed = errors.New("transport closed")

	// ErrConnectTimeout .
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrInactivity .
	ErrInactivity = errors.New("inactivity timeout")

	// ErrEngineStopped .
	ErrEngineStopped = errors.New("engine stopped")
)

// Class groups errors by how the connection state machine reacts to them.
type Class int8

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassTransient errors are retried on the next scheduler pass.
	ClassTransient
	// ClassPeerClosed means the remote end closed the connection.
	ClassPeerClosed
	// ClassFatal errors end the current transaction.
	ClassFatal
)

// String .
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPeerClosed:
		return "peer-closed"
	default:
		return "fatal"
	}
}

// Classify maps err to its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrWouldBlock),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrLinkDown),
		errors.Is(err, ErrPoolEmpty):
		return ClassTransient
	case errors.Is(err, ErrPeerClosed), errors.Is(err, io.EOF):
		return ClassPeerClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient .
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
