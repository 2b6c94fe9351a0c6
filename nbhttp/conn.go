// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/lesismal/nbhttpc"
	"github.com/lesismal/nbhttpc/logging"
)

// CloseStatus tells why a connection was closed.
type CloseStatus uint8

const (
	// CloseNone .
	CloseNone CloseStatus = iota
	// CloseLocal means the client closed the connection: Close was called,
	// the response was not persistent, or the connection is not persistent.
	CloseLocal
	// ClosePeer means the server closed the connection.
	ClosePeer
	// CloseError means a transport or protocol error ended the connection.
	CloseError
)

// String .
func (s CloseStatus) String() string {
	switch s {
	case CloseNone:
		return "none"
	case CloseLocal:
		return "local"
	case ClosePeer:
		return "peer"
	default:
		return "error"
	}
}

// Protocol takes over a connection after an upgrade response. It is set as
// Request.Upgrade on the upgrade request.
type Protocol interface {
	// Headers are written with the upgrade request.
	Headers() []KV
	// Accept validates the response. An error fails the upgrade request.
	Accept(c *Conn, resp *Response) error
	// Step advances the protocol. It reports whether any progress was made.
	// Returning ErrConnClosed ends the connection normally and an error of
	// class nbhttpc.ClassPeerClosed ends it as closed by the peer.
	Step(c *Conn) (bool, error)
	// OnClose is called once when the connection closes after Accept.
	OnClose(c *Conn, err error)
}

// ConnOptions .
type ConnOptions struct {
	// Persistent keeps the connection open between requests.
	Persistent bool

	// NoBlock requires OnComplete and OnError on every request submitted.
	NoBlock bool

	// TLS dials with Config.TLSConfig.
	TLS bool

	// OnClose is called each time the connection closes.
	OnClose func(c *Conn, status CloseStatus, err error)
}

// Conn is one client connection. It runs the request queue one request at a
// time: connect, write the request, parse the response, complete, and then
// the next request, an upgraded protocol, or close.
//
// Step must only be called by one goroutine at a time, normally the Engine.
// Submit and Close may be called from any goroutine.
type Conn struct {
	client *Client
	host   string
	port   int
	opts   ConnOptions

	buf       *Buffer
	state     connState
	transport nbhttpc.Transport
	ready     nbhttpc.Readiness
	connected int32

	queue  queue
	active *Request
	w      writer
	p      parser

	protocol Protocol
	upgraded int32
	err      error
	status   CloseStatus

	closeMux sync.Mutex
	closing  int32
	closeErr error
	released int32
}

func newConn(cli *Client, host string, port int, opts ConnOptions) *Conn {
	return &Conn{
		client: cli,
		host:   host,
		port:   port,
		opts:   opts,
		buf:    NewBuffer(cli.conf.BufferSize),
		state:  stateNone,
	}
}

// Host .
func (c *Conn) Host() string {
	return c.host
}

// Port .
func (c *Conn) Port() int {
	return c.port
}

// Options .
func (c *Conn) Options() ConnOptions {
	return c.opts
}

// Transport implements nbhttpc.Stepper.
func (c *Conn) Transport() nbhttpc.Transport {
	return c.transport
}

// Buffer returns the connection buffer. Only an upgraded Protocol may use it,
// from within Step.
func (c *Conn) Buffer() *Buffer {
	return c.buf
}

// Ready returns the readiness the current Step was called with.
func (c *Conn) Ready() nbhttpc.Readiness {
	return c.ready
}

// Upgraded reports whether a Protocol owns the connection.
func (c *Conn) Upgraded() bool {
	return atomic.LoadInt32(&c.upgraded) == 1
}

// Connected .
func (c *Conn) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Pending returns the number of queued requests, the active one included.
func (c *Conn) Pending() int {
	return c.queue.len()
}

// Submit validates req and queues it. Configuration errors are returned
// here and the request is not queued. Any later outcome is delivered once
// through req.OnComplete or req.OnError.
func (c *Conn) Submit(req *Request) error {
	if !req.acquire() {
		return ErrOwnership
	}
	if err := c.submit(req, c.opts.NoBlock); err != nil {
		req.release()
		return err
	}
	return nil
}

// submit queues a request the caller already acquired, validate rewrites
// fields of req only once it is owned.
func (c *Conn) submit(req *Request, noBlock bool) error {
	if c.client.Closed() {
		return ErrClientClosed
	}
	if c.Upgraded() {
		return ErrUpgraded
	}
	if err := req.validate(noBlock); err != nil {
		return err
	}
	c.queue.link(req)
	c.client.wake()
	return nil
}

// Close closes the connection from any goroutine. The active and queued
// requests fail with ErrConnClosed.
func (c *Conn) Close() {
	c.CloseWithError(nil)
}

// CloseWithError closes the connection and reports err to OnClose.
func (c *Conn) CloseWithError(err error) {
	c.closeMux.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeMux.Unlock()
	atomic.StoreInt32(&c.closing, 1)
	c.client.wake()
}

// Step implements nbhttpc.Stepper.
func (c *Conn) Step(ready nbhttpc.Readiness) bool {
	c.ready = ready
	progress := false
	for c.advance() {
		progress = true
	}
	return progress
}

// advance runs the current state once and reports whether anything changed.
func (c *Conn) advance() bool {
	if atomic.LoadInt32(&c.closing) == 1 && c.state != stateClose {
		if c.state == stateNone && c.queue.len() == 0 {
			atomic.StoreInt32(&c.closing, 0)
			if atomic.LoadInt32(&c.released) == 1 {
				c.client.detach(c)
			}
			return false
		}
		c.closeMux.Lock()
		c.err, c.closeErr = c.closeErr, nil
		c.closeMux.Unlock()
		c.status = CloseLocal
		c.state = stateClose
		return true
	}

	switch c.state.family() {
	case stateFamilyFlow:
		if c.state == stateNone {
			return c.startConnect()
		}
		return c.stepConnect()
	case stateFamilyRequest:
		if c.state == stateReqPrepare {
			return c.prepare()
		}
		return c.stepRequest()
	case stateFamilyResponse:
		return c.stepResponse()
	case stateFamilyCompleted:
		return c.complete()
	case stateFamilyError:
		return c.stepError()
	case stateFamilyClose:
		return c.stepClose()
	case stateFamilyWebSocket:
		return c.stepProtocol()
	}
	return false
}

func (c *Conn) startConnect() bool {
	if c.queue.len() == 0 {
		return false
	}
	t, err := c.client.newTransport(c)
	if err != nil {
		c.fail(err)
		return true
	}
	c.transport = t
	c.state = stateConnecting
	logging.Debug("Conn[%v:%v] connecting", c.host, c.port)
	return true
}

func (c *Conn) stepConnect() bool {
	err := c.transport.Connect()
	switch nbhttpc.Classify(err) {
	case nbhttpc.ClassNone:
		atomic.StoreInt32(&c.connected, 1)
		c.state = stateReqPrepare
		c.ready = c.transport.Ready()
		logging.Debug("Conn[%v:%v] connected", c.host, c.port)
		return true
	case nbhttpc.ClassTransient:
		return false
	}
	c.fail(err)
	return true
}

// prepare starts the next queued request, or watches an idle persistent
// connection for the peer closing it.
func (c *Conn) prepare() bool {
	req := c.queue.front()
	if req == nil {
		return c.watchIdle()
	}
	c.active = req
	c.buf.Reset()
	c.w.reset(req, c.host, c.port, c.opts.Persistent, c.client.conf.Boundary, c.buf.Cap())
	c.p.maxBody = c.client.conf.MaxBodySize
	c.p.reset(req)
	c.state = stateReqLine
	return true
}

func (c *Conn) watchIdle() bool {
	if !c.ready.Has(nbhttpc.ReadyRead | nbhttpc.ReadyError) {
		return false
	}
	n, err := c.transport.Recv(c.buf.RxSpace())
	if n > 0 {
		c.fail(ErrUnexpectedData)
		return true
	}
	switch nbhttpc.Classify(err) {
	case nbhttpc.ClassNone, nbhttpc.ClassTransient:
		c.ready &^= nbhttpc.ReadyRead | nbhttpc.ReadyError
		return false
	case nbhttpc.ClassPeerClosed:
		c.status = ClosePeer
		c.state = stateClose
		return true
	}
	c.fail(err)
	return true
}

func (c *Conn) stepRequest() bool {
	progress := false
	for c.state != stateReqEnd {
		st, err := c.w.step(c.buf)
		switch st {
		case StepProgress:
			c.state = c.w.phase()
			progress = true
			continue
		case StepError:
			c.fail(err)
			return true
		}
		moved, err := c.Flush()
		if err != nil {
			c.failTransfer(err)
			return true
		}
		if !moved {
			return progress
		}
		progress = true
	}

	moved, err := c.Flush()
	if err != nil {
		c.failTransfer(err)
		return true
	}
	if c.buf.TxLen() > 0 {
		return progress || moved
	}
	c.state = stateRespInit
	return true
}

func (c *Conn) stepResponse() bool {
	if c.state == stateRespInit {
		c.state = stateRespStatus
		return true
	}
	progress := false
	for !c.p.done() {
		st, err := c.p.step(c.buf)
		switch st {
		case StepProgress:
			c.state = c.p.phase()
			progress = true
			continue
		case StepError:
			c.fail(err)
			return true
		}
		moved, err := c.Fill()
		if err != nil {
			if nbhttpc.Classify(err) == nbhttpc.ClassPeerClosed {
				if c.p.eof() {
					c.status = ClosePeer
					break
				}
				c.status = ClosePeer
				c.fail(fmt.Errorf("%w: response incomplete", err))
				return true
			}
			c.fail(err)
			return true
		}
		if !moved {
			return progress
		}
		progress = true
	}

	req := c.active
	if req.Upgrade != nil {
		if err := req.Upgrade.Accept(c, req.Response); err != nil {
			c.fail(err)
			return true
		}
		c.protocol = req.Upgrade
		atomic.StoreInt32(&c.upgraded, 1)
	}
	c.state = stateCompleted
	return true
}

// complete detaches the finished request, calls OnComplete and picks the
// next state.
func (c *Conn) complete() bool {
	req := c.queue.pop()
	c.active = nil
	resp := req.Response

	switch {
	case c.protocol != nil:
		c.state = stateWSInit
	case c.status == ClosePeer:
		c.state = stateClose
	case !c.opts.Persistent || !resp.persistent():
		c.status = CloseLocal
		c.state = stateClose
	default:
		c.state = stateReqPrepare
	}

	req.release()
	c.call("OnComplete", func() {
		if req.OnComplete != nil {
			req.OnComplete(req, resp)
		}
	})
	return true
}

func (c *Conn) fail(err error) {
	c.err = err
	c.state = stateError
}

func (c *Conn) failTransfer(err error) {
	if nbhttpc.Classify(err) == nbhttpc.ClassPeerClosed {
		c.status = ClosePeer
	}
	c.fail(err)
}

// stepError reports the error once to the active request, or to the head of
// the queue when connecting failed, then closes.
func (c *Conn) stepError() bool {
	if c.status == CloseNone {
		c.status = CloseError
	}
	c.state = stateClose

	err := c.err
	logging.Debug("Conn[%v:%v] error: %v", c.host, c.port, err)
	c.active = nil
	req := c.queue.pop()
	if req == nil {
		return true
	}
	req.release()
	c.call("OnError", func() {
		if req.OnError != nil {
			req.OnError(req, err)
		}
	})
	return true
}

// stepClose fails queued requests, releases the transport and returns to
// none so the connection can be used again.
func (c *Conn) stepClose() bool {
	if c.transport != nil {
		c.transport.Close()
	}
	err, status, protocol := c.err, c.status, c.protocol
	if status == CloseNone {
		status = CloseLocal
	}

	c.transport = nil
	atomic.StoreInt32(&c.connected, 0)
	c.protocol = nil
	atomic.StoreInt32(&c.upgraded, 0)
	c.active = nil
	c.err = nil
	c.status = CloseNone
	c.buf.Reset()
	c.state = stateNone
	atomic.StoreInt32(&c.closing, 0)

	if protocol != nil {
		c.call("Protocol.OnClose", func() {
			protocol.OnClose(c, err)
		})
	}
	for _, req := range c.queue.drain() {
		req := req
		req.release()
		c.call("OnError", func() {
			if req.OnError != nil {
				req.OnError(req, ErrConnClosed)
			}
		})
	}
	if status == CloseError {
		logging.Error("Conn[%v:%v] closed: %v", c.host, c.port, err)
	} else {
		logging.Debug("Conn[%v:%v] closed, status: %v", c.host, c.port, status)
	}
	if c.opts.OnClose != nil {
		c.call("OnClose", func() {
			c.opts.OnClose(c, status, err)
		})
	}
	if atomic.LoadInt32(&c.released) == 1 {
		c.client.detach(c)
		return false
	}
	return true
}

func (c *Conn) stepProtocol() bool {
	switch c.state {
	case stateWSInit:
		c.state = stateWSRxTx
		return true
	case stateWSError:
		c.status = CloseError
		c.state = stateClose
		return true
	case stateWSClose:
		c.state = stateClose
		return true
	}

	progress, err := c.protocol.Step(c)
	if err == nil {
		return progress
	}
	c.err = err
	switch {
	case errors.Is(err, ErrConnClosed):
		c.err = nil
		c.status = CloseLocal
		c.state = stateWSClose
	case nbhttpc.Classify(err) == nbhttpc.ClassPeerClosed:
		c.status = ClosePeer
		c.state = stateWSClose
	default:
		c.state = stateWSError
	}
	return true
}

// Flush sends staged bytes. It reports whether any were sent. Transient
// transport errors are not returned.
func (c *Conn) Flush() (bool, error) {
	moved := false
	for c.buf.TxLen() > 0 {
		n, err := c.transport.Send(c.buf.Staged())
		if n > 0 {
			c.buf.Sent(n)
			moved = true
		}
		if err != nil {
			if nbhttpc.IsTransient(err) {
				return moved, nil
			}
			return moved, err
		}
		if n == 0 {
			break
		}
	}
	return moved, nil
}

// Fill receives into the buffer. It reports whether any bytes arrived.
// Transient transport errors are not returned.
func (c *Conn) Fill() (bool, error) {
	if !c.ready.Has(nbhttpc.ReadyRead | nbhttpc.ReadyError) {
		return false, nil
	}
	space := c.buf.RxSpace()
	if len(space) == 0 {
		return false, nil
	}
	n, err := c.transport.Recv(space)
	if n > 0 {
		c.buf.Commit(n)
	}
	if err != nil {
		c.ready &^= nbhttpc.ReadyRead
		if nbhttpc.IsTransient(err) {
			return n > 0, nil
		}
		return n > 0, err
	}
	if n == 0 {
		c.ready &^= nbhttpc.ReadyRead
	}
	return n > 0, nil
}

func (c *Conn) call(name string, f func()) {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logging.Error("Conn[%v:%v] %v failed: %v\n%v\n", c.host, c.port, name, err, *(*string)(unsafe.Pointer(&buf)))
		}
	}()
	f()
}
