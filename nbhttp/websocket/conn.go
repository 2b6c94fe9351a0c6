// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package websocket

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"
	"unsafe"

	"github.com/lesismal/nbhttpc"
	"github.com/lesismal/nbhttpc/logging"
	"github.com/lesismal/nbhttpc/mempool"
	"github.com/lesismal/nbhttpc/nbhttp"
)

type txState uint8

const (
	txInit txState = iota
	txSetHead
	txSetBuf
	txPull
	txComplete
)

// sender is the cursor of the frame being staged.
type sender struct {
	state   txState
	msg     *Message
	ctl     bool
	opcode  MessageType
	first   bool
	remain  int64
	off     int64
	key     [4]byte
	pos     int
	head    [maxFrameHeadSize]byte
	headLen int
	ctlData [maxControlFramePayloadSize]byte
}

type rxState uint8

const (
	rxWait rxState = iota
	rxHeader
	rxPrepare
	rxPayload
	rxComplete
	rxStopped
)

// receiver is the cursor of the frame being parsed.
type receiver struct {
	state  rxState
	head   frameHead
	remain int64
	// opcode is the type of the data message in progress, 0 between messages.
	opcode MessageType
	total  int64
	ctl    [maxControlFramePayloadSize]byte
	ctlLen int
	data   []byte
}

// control is the internal slot for protocol replies: pongs, the close
// reply, and protocol error closes. It holds at most one frame.
type control struct {
	busy    bool
	opcode  MessageType
	payload [maxControlFramePayloadSize]byte
	n       int
}

// Conn is an upgraded websocket connection. It shares the buffer of the
// underlying nbhttp.Conn and is stepped by the same engine. Send, Ping and
// Close may be called from any goroutine.
type Conn struct {
	client  *nbhttp.Client
	conn    *nbhttp.Conn
	conf    Config
	handler Handler
	key     string

	mux            sync.Mutex
	queue          []*Message
	closeRequested bool
	closed         bool
	pingWait       chan error

	tx  sender
	rx  receiver
	ctl control

	closeSent   bool
	closeRecv   bool
	closeCode   int
	closeReason string
	endErr      error

	subprotocol string
	session     interface{}
}

func newConn(cli *nbhttp.Client, h Handler, conf Config) (*Conn, error) {
	if conf.MaxMessageSize <= 0 {
		conf.MaxMessageSize = DefaultMaxMessageSize
	}
	key, err := challengeKey()
	if err != nil {
		return nil, err
	}
	return &Conn{
		client:  cli,
		conf:    conf,
		handler: h,
		key:     key,
	}, nil
}

// HTTPConn returns the upgraded connection.
func (c *Conn) HTTPConn() *nbhttp.Conn {
	return c.conn
}

// Subprotocol returns the subprotocol selected by the server.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Session returns user session.
func (c *Conn) Session() interface{} {
	return c.session
}

// SetSession sets user session.
func (c *Conn) SetSession(session interface{}) {
	c.session = session
}

// Closed reports whether the connection is closed.
func (c *Conn) Closed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.closed
}

// Headers implements nbhttp.Protocol.
func (c *Conn) Headers() []nbhttp.KV {
	hs := []nbhttp.KV{
		{Key: "Upgrade", Value: "websocket"},
		{Key: "Sec-WebSocket-Key", Value: c.key},
		{Key: "Sec-WebSocket-Version", Value: "13"},
	}
	if len(c.conf.Subprotocols) > 0 {
		hs = append(hs, nbhttp.KV{Key: "Sec-WebSocket-Protocol", Value: strings.Join(c.conf.Subprotocols, ", ")})
	}
	return hs
}

// Accept implements nbhttp.Protocol.
func (c *Conn) Accept(hc *nbhttp.Conn, resp *nbhttp.Response) error {
	if resp.StatusCode != 101 {
		return fmt.Errorf("%w: status %v %v", ErrBadHandshake, resp.StatusCode, resp.Reason)
	}
	if !strings.EqualFold(resp.Upgrade, "websocket") {
		return fmt.Errorf("%w: upgrade %q", ErrBadHandshake, resp.Upgrade)
	}
	if resp.WebSocketAccept != acceptKey(c.key) {
		return fmt.Errorf("%w: mismatched Sec-WebSocket-Accept", ErrBadHandshake)
	}
	if sub := resp.Header.Get("Sec-Websocket-Protocol"); sub != "" {
		offered := false
		for _, s := range c.conf.Subprotocols {
			if s == sub {
				offered = true
				break
			}
		}
		if !offered {
			return fmt.Errorf("%w: %q", ErrInvalidSubprotocol, sub)
		}
		c.subprotocol = sub
	}
	c.conn = hc
	return nil
}

// Send queues a text or binary message.
func (c *Conn) Send(messageType MessageType, data []byte) error {
	return c.SendMessage(&Message{Type: messageType, Data: data})
}

// SendMessage queues msg. It is framed after the messages queued before it.
func (c *Conn) SendMessage(msg *Message) error {
	switch msg.Type {
	case TextMessage, BinaryMessage:
	case PongMessage:
		if msg.Source != nil || len(msg.Data) > maxControlFramePayloadSize {
			return ErrInvalidControlFrame
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidMessageType, msg.Type)
	}
	return c.push(msg, nil)
}

// Ping sends a ping. The returned channel receives nil when a pong arrives,
// or ErrClosed if the connection closes first.
func (c *Conn) Ping(data []byte) (<-chan error, error) {
	if len(data) > maxControlFramePayloadSize {
		return nil, ErrInvalidControlFrame
	}
	ch := make(chan error, 1)
	if err := c.push(&Message{Type: PingMessage, Data: data}, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close starts the close handshake after the messages already queued. The
// connection closes when the server answers, or when it closes the stream.
func (c *Conn) Close(code int, reason string) error {
	payload, err := FormatClose(code, reason)
	if err != nil {
		return err
	}
	if err := c.push(&Message{Type: CloseMessage, Data: payload}, nil); err != nil {
		return err
	}
	return nil
}

func (c *Conn) push(msg *Message, ping chan error) error {
	c.mux.Lock()
	if c.closed || c.closeRequested {
		c.mux.Unlock()
		return ErrClosed
	}
	if ping != nil {
		if c.pingWait != nil {
			c.mux.Unlock()
			return ErrPingPending
		}
		c.pingWait = ping
	}
	if msg.Type == CloseMessage {
		c.closeRequested = true
	}
	c.queue = append(c.queue, msg)
	c.mux.Unlock()
	c.client.Engine().Wake()
	return nil
}

func (c *Conn) front() *Message {
	c.mux.Lock()
	defer c.mux.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

func (c *Conn) pop() *Message {
	c.mux.Lock()
	defer c.mux.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg
}

// Step implements nbhttp.Protocol. It receives before it sends so that
// replies to control frames go out in the same pass.
func (c *Conn) Step(hc *nbhttp.Conn) (bool, error) {
	progress := false
	for {
		rx, err := c.stepRx(hc)
		if err != nil {
			return true, err
		}
		tx, err := c.stepTx(hc)
		if err != nil {
			return true, err
		}
		if c.endErr != nil && c.txIdle() && hc.Buffer().TxLen() == 0 {
			return true, c.endErr
		}
		if !rx && !tx {
			return progress, nil
		}
		progress = true
	}
}

// OnClose implements nbhttp.Protocol.
func (c *Conn) OnClose(hc *nbhttp.Conn, err error) {
	c.release()
	code, reason := c.closeCode, c.closeReason
	if !c.closeRecv {
		code = CloseAbnormalClosure
	}
	if h, ok := c.handler.(CloseHandler); ok {
		c.call("OnClose", func() {
			h.OnClose(c, code, reason, err)
		})
	}
}

// release fails pending messages and the ping waiter.
func (c *Conn) release() {
	c.mux.Lock()
	c.closed = true
	pending := c.queue
	c.queue = nil
	wait := c.pingWait
	c.pingWait = nil
	c.mux.Unlock()

	for _, msg := range pending {
		c.onSent(msg, ErrClosed)
	}
	if wait != nil {
		wait <- ErrClosed
		close(wait)
	}
	if c.rx.data != nil {
		mempool.Free(c.rx.data)
		c.rx.data = nil
	}
}

func (c *Conn) open() {
	logging.Debug("Websocket[%v:%v] open", c.conn.Host(), c.conn.Port())
	if h, ok := c.handler.(OpenHandler); ok {
		c.call("OnOpen", func() {
			h.OnOpen(c)
		})
	}
}

func (c *Conn) openFailed(err error) {
	c.onError(err)
	c.OnClose(nil, err)
}

func (c *Conn) txIdle() bool {
	return c.tx.state == txInit && !c.ctl.busy
}

func (c *Conn) stepTx(hc *nbhttp.Conn) (bool, error) {
	b := hc.Buffer()
	progress := false

	// flush reports whether staging may continue.
	flush := func() (bool, error) {
		moved, err := hc.Flush()
		if moved {
			progress = true
		}
		return moved && err == nil, err
	}

	for {
		switch c.tx.state {
		case txInit:
			if !c.nextFrame() {
				_, err := flush()
				return progress, err
			}
			progress = true

		case txSetHead:
			if c.endErr != nil && !c.tx.ctl {
				// not staged yet, the message fails on close
				c.tx = sender{}
				continue
			}
			if !b.Write(c.tx.head[:c.tx.headLen]) {
				if ok, err := flush(); !ok {
					return progress, err
				}
				continue
			}
			c.tx.state = txSetBuf
			progress = true

		case txSetBuf:
			for c.tx.remain > 0 {
				free := b.Free()
				if len(free) == 0 {
					if ok, err := flush(); !ok {
						return progress, err
					}
					continue
				}
				n, err := c.fill(b, free)
				if n > 0 {
					progress = true
				}
				if err != nil {
					return progress, err
				}
				if n == 0 {
					// source would block
					_, err := flush()
					return progress, err
				}
			}
			c.tx.state = txComplete

		case txPull:
			if c.endErr != nil {
				c.tx = sender{}
				continue
			}
			free := b.Free()
			if len(free) <= maxFrameHeadSize {
				if ok, err := flush(); !ok {
					return progress, err
				}
				continue
			}
			done, err := c.pull(b, free)
			if err != nil {
				return progress, err
			}
			if !done {
				_, err := flush()
				return progress, err
			}
			progress = true

		case txComplete:
			c.frameSent()
			progress = true
		}
	}
}

// nextFrame starts the control slot or the next queued message.
func (c *Conn) nextFrame() bool {
	if c.ctl.busy {
		c.ctl.busy = false
		if c.ctl.opcode == CloseMessage && c.closeSent {
			return true
		}
		c.startFrame(nil, c.ctl.opcode, int64(c.ctl.n))
		c.tx.ctl = true
		copy(c.tx.ctlData[:], c.ctl.payload[:c.ctl.n])
		return true
	}
	if c.endErr != nil || c.closeSent {
		return false
	}
	msg := c.front()
	if msg == nil {
		return false
	}
	n := msg.length()
	if n < 0 {
		c.tx = sender{state: txPull, msg: msg, opcode: msg.Type, first: true}
		return true
	}
	c.startFrame(msg, msg.Type, n)
	return true
}

func (c *Conn) startFrame(msg *Message, opcode MessageType, n int64) {
	c.tx = sender{
		state:  txSetHead,
		msg:    msg,
		opcode: opcode,
		remain: n,
		key:    newMaskKey(),
	}
	c.tx.headLen = putFrameHead(c.tx.head[:], opcode, true, n, c.tx.key)
}

// fill stages and masks as much of the current frame's payload as fits in
// free. It returns 0 without an error when a source would block.
func (c *Conn) fill(b *nbhttp.Buffer, free []byte) (int, error) {
	n := int64(len(free))
	if n > c.tx.remain {
		n = c.tx.remain
	}
	p := free[:n]

	var k int
	switch {
	case c.tx.ctl:
		k = copy(p, c.tx.ctlData[c.tx.off:])
	case c.tx.msg.Source == nil:
		k = copy(p, c.tx.msg.Data[c.tx.off:])
	default:
		var err error
		k, err = c.tx.msg.Source.ReadMessage(p)
		if k > len(p) {
			k = len(p)
		}
		if err != nil && !nbhttpc.IsTransient(err) {
			if !errors.Is(err, io.EOF) {
				c.dropMessage(err)
				return 0, err
			}
			if int64(k) < c.tx.remain {
				err = fmt.Errorf("%w: %v bytes missing", ErrMessageSource, c.tx.remain-int64(k))
				c.dropMessage(err)
				return 0, err
			}
		}
	}
	if k == 0 {
		return 0, nil
	}

	c.tx.pos = maskXOR(p[:k], c.tx.key, c.tx.pos)
	b.Extend(k)
	c.tx.off += int64(k)
	c.tx.remain -= int64(k)
	return k, nil
}

// pull stages one frame of a message of unknown length. It reports false
// when the source would block.
func (c *Conn) pull(b *nbhttp.Buffer, free []byte) (bool, error) {
	area := free[maxFrameHeadSize:]
	n, err := c.tx.msg.Source.ReadMessage(area)
	if n > len(area) {
		n = len(area)
	}
	eof := false
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			eof = true
		case nbhttpc.IsTransient(err):
			if n == 0 {
				return false, nil
			}
		default:
			c.dropMessage(err)
			if c.tx.first {
				c.tx = sender{}
				return true, nil
			}
			return false, err
		}
	}
	fin := eof || (n == 0 && err == nil)

	opcode := FragmentMessage
	if c.tx.first {
		opcode = c.tx.opcode
	}
	key := newMaskKey()
	h := frameHeadLen(int64(n))
	copy(free[h:], area[:n])
	putFrameHead(free, opcode, fin, int64(n), key)
	maskXOR(free[h:h+n], key, 0)
	b.Extend(h + n)

	c.tx.first = false
	if fin {
		c.tx.state = txComplete
	}
	return true, nil
}

func (c *Conn) frameSent() {
	tx := c.tx
	c.tx = sender{}
	if tx.ctl {
		if tx.opcode == CloseMessage {
			c.closeSent = true
		}
		return
	}
	if tx.msg == nil {
		return
	}
	msg := c.pop()
	if msg.Type == CloseMessage {
		c.closeSent = true
	}
	c.onSent(msg, nil)
}

// dropMessage fails the message being staged.
func (c *Conn) dropMessage(err error) {
	if msg := c.pop(); msg != nil {
		c.onSent(msg, err)
	}
}

// setControl fills the control slot, replacing a reply not started yet.
func (c *Conn) setControl(opcode MessageType, payload []byte) {
	c.ctl.busy = true
	c.ctl.opcode = opcode
	c.ctl.n = copy(c.ctl.payload[:], payload)
}

func (c *Conn) stepRx(hc *nbhttp.Conn) (bool, error) {
	b := hc.Buffer()
	progress := false

	// more reports whether bytes arrived.
	more := func() (bool, error) {
		moved, err := hc.Fill()
		if moved {
			progress = true
		}
		return moved, err
	}

	for {
		switch c.rx.state {
		case rxWait:
			if b.RxLen() < 2 {
				moved, err := more()
				if err != nil || !moved {
					return progress, err
				}
				continue
			}
			c.rx.state = rxHeader

		case rxHeader:
			h, ok, err := parseFrameHead(b.Received())
			if err != nil {
				c.abort(CloseMessageTooBig, err)
				return true, nil
			}
			if !ok {
				moved, err := more()
				if err != nil || !moved {
					return progress, err
				}
				continue
			}
			b.Consume(h.size)
			c.rx.head = h
			c.rx.state = rxPrepare
			progress = true

		case rxPrepare:
			if code, err := c.prepareFrame(); err != nil {
				c.abort(code, err)
				return true, nil
			}
			c.rx.state = rxPayload

		case rxPayload:
			for c.rx.remain > 0 {
				data := b.Received()
				if len(data) == 0 {
					moved, err := more()
					if err != nil || !moved {
						return progress, err
					}
					continue
				}
				if int64(len(data)) > c.rx.remain {
					data = data[:c.rx.remain]
				}
				c.onPayload(data)
				b.Consume(len(data))
				c.rx.remain -= int64(len(data))
				progress = true
			}
			c.rx.state = rxComplete

		case rxComplete:
			c.rx.state = rxWait
			if code, err := c.completeFrame(); err != nil {
				c.abort(code, err)
			}
			progress = true

		case rxStopped:
			return progress, nil
		}
	}
}

func (c *Conn) prepareFrame() (int, error) {
	h := &c.rx.head
	if h.masked {
		return CloseProtocolError, ErrMaskedFrame
	}
	if err := validFrame(h.opcode, h.fin, h.rsv1, h.rsv2, h.rsv3, c.rx.opcode != 0); err != nil {
		return CloseProtocolError, err
	}
	c.rx.remain = h.length
	if h.opcode.isControl() {
		if h.length > maxControlFramePayloadSize {
			return CloseProtocolError, fmt.Errorf("%w: %v bytes", ErrInvalidControlFrame, h.length)
		}
		c.rx.ctlLen = 0
		return 0, nil
	}
	if h.length > c.conf.MaxMessageSize || c.rx.total+h.length > c.conf.MaxMessageSize {
		return CloseMessageTooBig, fmt.Errorf("%w: %v bytes", ErrMessageTooLarge, c.rx.total+h.length)
	}
	if h.opcode != FragmentMessage {
		c.rx.opcode = h.opcode
		c.rx.total = 0
		if mh, ok := c.handler.(MessageHandler); ok {
			c.call("OnMessageInit", func() {
				mh.OnMessageInit(c, h.opcode)
			})
		}
	}
	return 0, nil
}

func (c *Conn) onPayload(data []byte) {
	if c.rx.head.opcode.isControl() {
		c.rx.ctlLen += copy(c.rx.ctl[c.rx.ctlLen:], data)
		return
	}
	c.rx.total += int64(len(data))
	switch h := c.handler.(type) {
	case MessageHandler:
		c.call("OnMessageData", func() {
			h.OnMessageData(c, data)
		})
	case DataHandler:
		c.rx.data = mempool.Append(c.rx.data, data...)
	}
}

func (c *Conn) completeFrame() (int, error) {
	payload := c.rx.ctl[:c.rx.ctlLen]
	switch c.rx.head.opcode {
	case PingMessage:
		if c.endErr == nil && !c.closeSent && !c.ctl.busy && !(c.tx.ctl && c.tx.state != txInit) {
			c.setControl(PongMessage, payload)
		}
	case PongMessage:
		c.onPong(payload)
	case CloseMessage:
		return c.onCloseFrame(payload)
	default:
		if c.rx.head.fin {
			return c.messageComplete()
		}
	}
	return 0, nil
}

func (c *Conn) messageComplete() (int, error) {
	opcode, total := c.rx.opcode, c.rx.total
	c.rx.opcode, c.rx.total = 0, 0

	switch h := c.handler.(type) {
	case MessageHandler:
		c.call("OnMessageComplete", func() {
			h.OnMessageComplete(c, opcode, total)
		})
	case DataHandler:
		data := c.rx.data
		c.rx.data = nil
		if opcode == TextMessage && !utf8.Valid(data) {
			mempool.Free(data)
			return CloseInvalidFramePayloadData, ErrInvalidUTF8
		}
		c.call("OnMessage", func() {
			h.OnMessage(c, opcode, data)
		})
		mempool.Free(data)
	}
	return 0, nil
}

func (c *Conn) onPong(payload []byte) {
	c.mux.Lock()
	wait := c.pingWait
	c.pingWait = nil
	c.mux.Unlock()
	if wait != nil {
		wait <- nil
		close(wait)
		return
	}
	if h, ok := c.handler.(PongHandler); ok {
		c.call("OnPong", func() {
			h.OnPong(c, payload)
		})
	}
}

// onCloseFrame records the peer's close. It ends the handshake this side
// started, or answers with the same code.
func (c *Conn) onCloseFrame(payload []byte) (int, error) {
	code, reason, err := parseClose(payload)
	c.closeRecv = true
	if err != nil {
		if errors.Is(err, ErrInvalidUTF8) {
			return CloseInvalidFramePayloadData, err
		}
		return CloseProtocolError, err
	}
	c.closeCode, c.closeReason = code, reason
	c.stopRx()
	if c.closeSent {
		c.endErr = nbhttp.ErrConnClosed
		return 0, nil
	}
	reply, _ := FormatClose(code, "")
	c.setControl(CloseMessage, reply)
	c.endErr = nbhttpc.ErrPeerClosed
	logging.Debug("Websocket[%v:%v] closed by peer: %v %q", c.conn.Host(), c.conn.Port(), code, reason)
	return 0, nil
}

// abort stops receiving and sends a close frame with code when the control
// slot allows, the connection then closes with err.
func (c *Conn) abort(code int, err error) {
	c.stopRx()
	if c.endErr != nil {
		return
	}
	c.endErr = err
	c.onError(err)
	if !c.closeSent && code != 0 {
		reply, _ := FormatClose(code, "")
		c.setControl(CloseMessage, reply)
	}
}

// stopRx stops receiving and drops the bytes not parsed yet, staging starts
// after them in the shared buffer.
func (c *Conn) stopRx() {
	c.rx.state = rxStopped
	b := c.conn.Buffer()
	b.Consume(b.RxLen())
}

func (c *Conn) onError(err error) {
	if h, ok := c.handler.(ErrorHandler); ok {
		c.call("OnError", func() {
			h.OnError(c, err)
		})
	}
}

func (c *Conn) onSent(msg *Message, err error) {
	if h, ok := c.handler.(SentHandler); ok {
		c.call("OnSent", func() {
			h.OnSent(c, msg, err)
		})
	}
}

func (c *Conn) call(name string, f func()) {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logging.Error("Websocket %v failed: %v\n%v\n", name, err, *(*string)(unsafe.Pointer(&buf)))
		}
	}()
	f()
}

func newMaskKey() [4]byte {
	u32 := rand.Uint32()
	return [4]byte{byte(u32), byte(u32 >> 8), byte(u32 >> 16), byte(u32 >> 24)}
}
