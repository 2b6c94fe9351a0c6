// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package websocket

import (
	"errors"
)

// handshake
var (
	// ErrBadHandshake .
	ErrBadHandshake = errors.New("websocket: bad handshake")

	// ErrAlreadyUpgraded .
	ErrAlreadyUpgraded = errors.New("websocket: connection already upgraded")

	// ErrNotConnected is returned by a no-block Upgrade on a connection that
	// is not connected when the handler cannot be told about the open.
	ErrNotConnected = errors.New("websocket: connection not established and no OnOpen handler")

	// ErrInvalidSubprotocol .
	ErrInvalidSubprotocol = errors.New("websocket: server selected a subprotocol that was not offered")
)

// framing
var (
	// ErrInvalidControlFrame .
	ErrInvalidControlFrame = errors.New("websocket: invalid control frame")

	// ErrReserveBitSet .
	ErrReserveBitSet = errors.New("websocket: reserved bit set it frame")

	// ErrReservedOpcodeSet .
	ErrReservedOpcodeSet = errors.New("websocket: reserved opcode received")

	// ErrControlMessageFragmented .
	ErrControlMessageFragmented = errors.New("websocket: control messages must not be fragmented")

	// ErrFragmentsShouldNotHaveBinaryOrTextOpcode .
	ErrFragmentsShouldNotHaveBinaryOrTextOpcode = errors.New("websocket: fragments should not have opcode of text or binary")

	// ErrUnexpectedContinuation .
	ErrUnexpectedContinuation = errors.New("websocket: continuation frame without a message in progress")

	// ErrMaskedFrame .
	ErrMaskedFrame = errors.New("websocket: server frames must not be masked")

	// ErrInvalidCloseCode .
	ErrInvalidCloseCode = errors.New("websocket: invalid close code")

	// ErrInvalidUTF8 .
	ErrInvalidUTF8 = errors.New("websocket: invalid utf-8 text")

	// ErrMessageTooLarge .
	ErrMessageTooLarge = errors.New("websocket: message exceeds the configured limit")
)

// sending
var (
	// ErrClosed is returned for messages submitted after Close and delivered
	// to messages still pending when the connection closes.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrInvalidMessageType .
	ErrInvalidMessageType = errors.New("websocket: invalid message type")

	// ErrPingPending .
	ErrPingPending = errors.New("websocket: a ping is already waiting for its pong")

	// ErrMessageSource .
	ErrMessageSource = errors.New("websocket: message source ended before its length")
)
