// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package websocket

import (
	"github.com/lesismal/nbhttpc/nbhttp"
)

const (
	// DefaultMaxMessageSize .
	DefaultMaxMessageSize = 1024 * 1024 * 4
)

// Config Of Upgrade.
type Config struct {
	// MaxMessageSize bounds each received frame and each reassembled
	// message, it's set to 4M by default.
	MaxMessageSize int64

	// Header holds extra headers of the upgrade request, such as Origin.
	Header []nbhttp.KV

	// Subprotocols are offered in Sec-WebSocket-Protocol.
	Subprotocols []string
}

// MessageSource supplies the payload of a message as it is framed.
type MessageSource interface {
	// Len returns the payload length, or -1 when it is not known in advance.
	// A message of unknown length is sent as one frame per ReadMessage call
	// and ends with the call that returns 0 bytes, or io.EOF.
	Len() int64
	// ReadMessage fills p. nbhttpc.ErrWouldBlock suspends the message until
	// the connection is stepped again.
	ReadMessage(p []byte) (int, error)
}

// Message is one outgoing message. It is framed from Data, or from Source
// when Source is set.
type Message struct {
	Type   MessageType
	Data   []byte
	Source MessageSource

	// Session is carried to SentHandler.
	Session interface{}
}

func (m *Message) length() int64 {
	if m.Source != nil {
		return m.Source.Len()
	}
	return int64(len(m.Data))
}

// Handler receives the events of a websocket connection. It implements any
// of the interfaces below, each one is optional.
type Handler interface{}

// OpenHandler .
type OpenHandler interface {
	OnOpen(c *Conn)
}

// MessageHandler receives data messages as they stream in. data is only
// valid during the call.
type MessageHandler interface {
	OnMessageInit(c *Conn, messageType MessageType)
	OnMessageData(c *Conn, data []byte)
	OnMessageComplete(c *Conn, messageType MessageType, length int64)
}

// DataHandler receives whole data messages, reassembled up to
// Config.MaxMessageSize. It is ignored when the handler is a MessageHandler.
type DataHandler interface {
	OnMessage(c *Conn, messageType MessageType, data []byte)
}

// PongHandler receives pongs that do not answer a Ping call.
type PongHandler interface {
	OnPong(c *Conn, data []byte)
}

// CloseHandler is called once when the connection closes. code and reason
// come from the peer's close frame, code is CloseAbnormalClosure without one.
type CloseHandler interface {
	OnClose(c *Conn, code int, reason string, err error)
}

// ErrorHandler receives protocol errors before the connection closes.
type ErrorHandler interface {
	OnError(c *Conn, err error)
}

// SentHandler is called once per message, with nil after the last byte of
// the message is handed to the transport, or with the error that dropped it.
type SentHandler interface {
	OnSent(c *Conn, msg *Message, err error)
}
