// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lesismal/llib/std/crypto/tls"
	"github.com/lesismal/nbhttpc/logging"
	"github.com/lesismal/nbhttpc/mempool"
	"github.com/lesismal/nbhttpc/timer"
)

const (
	// DefaultReadBufferSize .
	DefaultReadBufferSize = 1024 * 4

	// DefaultMaxInboxSize .
	DefaultMaxInboxSize = 1024 * 16

	// DefaultMaxOutboxSize .
	DefaultMaxOutboxSize = 1024 * 16

	// DefaultLingerTimeout .
	DefaultLingerTimeout = time.Second
)

const (
	netStateIdle int32 = iota
	netStateConnecting
	netStateConnected
	netStateClosed
)

// DialFunc opens the underlying stream.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// NetConfig configures a NetConn.
type NetConfig struct {
	// Network is "tcp" by default.
	Network string

	// Addr is the host:port to dial.
	Addr string

	// Dial overrides net.DialTimeout, used with in-memory listeners in tests.
	Dial DialFunc

	// TLSConfig enables TLS when not nil.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dialing plus the TLS handshake, no limit if 0.
	ConnectTimeout time.Duration

	// InactivityTimeout closes a connected transport with ErrInactivity
	// after this long without I/O, no limit if 0.
	InactivityTimeout time.Duration

	// ReadBufferSize is the size of each read from the underlying conn.
	ReadBufferSize int

	// MaxInboxSize bounds received bytes not yet taken by Recv.
	MaxInboxSize int

	// MaxOutboxSize bounds bytes accepted by Send but not yet written.
	MaxOutboxSize int

	// LingerTimeout bounds writing the outbox left at Close, DefaultLingerTimeout
	// if 0. A negative value drops it.
	LingerTimeout time.Duration

	// Timer schedules inactivity timeouts, a private one is used if nil.
	Timer *timer.Timer
}

// NetConn implements Transport over a net.Conn. A reader goroutine fills an
// inbox and a writer goroutine drains an outbox, so Send and Recv never wait.
type NetConn struct {
	mux  sync.Mutex
	cond *sync.Cond

	conf  NetConfig
	state int32
	conn  net.Conn

	connErr  error
	readErr  error
	writeErr error
	idleErr  error

	inbox  []byte
	outbox []byte

	writing bool
	chWrite chan struct{}
	chClose chan struct{}

	idle   *timer.Item
	notify func()
}

// NewNetConn creates an unconnected transport. The first Connect call dials.
func NewNetConn(conf NetConfig) *NetConn {
	if conf.Network == "" {
		conf.Network = "tcp"
	}
	if conf.Dial == nil {
		conf.Dial = net.DialTimeout
	}
	if conf.ReadBufferSize <= 0 {
		conf.ReadBufferSize = DefaultReadBufferSize
	}
	if conf.MaxInboxSize <= 0 {
		conf.MaxInboxSize = DefaultMaxInboxSize
	}
	if conf.MaxOutboxSize <= 0 {
		conf.MaxOutboxSize = DefaultMaxOutboxSize
	}
	if conf.LingerTimeout == 0 {
		conf.LingerTimeout = DefaultLingerTimeout
	}
	if conf.Timer == nil {
		conf.Timer = timer.New("netconn")
	}
	c := &NetConn{
		conf:    conf,
		chWrite: make(chan struct{}, 1),
		chClose: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mux)
	return c
}

// SetNotify implements Notifier.
func (c *NetConn) SetNotify(f func()) {
	c.mux.Lock()
	c.notify = f
	c.mux.Unlock()
}

func (c *NetConn) wake() {
	c.mux.Lock()
	f := c.notify
	c.mux.Unlock()
	if f != nil {
		f()
	}
}

// Connect implements Transport.
func (c *NetConn) Connect() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	switch c.state {
	case netStateIdle:
		c.state = netStateConnecting
		SafeGo(c.dial)
		return ErrWouldBlock
	case netStateConnecting:
		if c.connErr != nil {
			return c.connErr
		}
		if c.conn == nil {
			return ErrWouldBlock
		}
		c.state = netStateConnected
		return nil
	case netStateConnected:
		return nil
	default:
		return ErrTransportClosed
	}
}

func (c *NetConn) dial() {
	var deadline time.Time
	if c.conf.ConnectTimeout > 0 {
		deadline = time.Now().Add(c.conf.ConnectTimeout)
	}

	conn, err := c.conf.Dial(c.conf.Network, c.conf.Addr, c.conf.ConnectTimeout)
	if err == nil && c.conf.TLSConfig != nil {
		conn, err = c.handshake(conn, deadline)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		logging.Debug("NetConn[%v] connect failed: %v", c.conf.Addr, err)
	}

	c.mux.Lock()
	if c.state == netStateClosed {
		c.mux.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.connErr = err
	} else {
		c.conn = conn
		c.armIdle()
		go c.readLoop(conn)
		go c.writeLoop(conn)
	}
	c.mux.Unlock()
	c.wake()
}

func (c *NetConn) handshake(conn net.Conn, deadline time.Time) (net.Conn, error) {
	tlsConfig := c.conf.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(c.conf.Addr)
		if err != nil {
			host = c.conf.Addr
		}
		tlsConfig.ServerName = host
	}
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}
	tlsConn := tls.NewConn(conn, tlsConfig, true, false, c.conf.ReadBufferSize)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	if !tlsConfig.InsecureSkipVerify {
		if err := tlsConn.VerifyHostname(tlsConfig.ServerName); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if !deadline.IsZero() {
		conn.SetDeadline(time.Time{})
	}
	return tlsConn, nil
}

func (c *NetConn) readLoop(conn net.Conn) {
	buf := mempool.Malloc(c.conf.ReadBufferSize)
	defer mempool.Free(buf)

	for {
		n, err := conn.Read(buf)

		c.mux.Lock()
		if n > 0 {
			c.inbox = mempool.Append(c.inbox, buf[:n]...)
			c.touchIdle()
		}
		if err != nil && c.readErr == nil {
			c.readErr = err
		}
		for err == nil && len(c.inbox) >= c.conf.MaxInboxSize && c.state != netStateClosed {
			c.cond.Wait()
		}
		stop := err != nil || c.state == netStateClosed
		c.mux.Unlock()

		c.wake()
		if stop {
			return
		}
	}
}

// writeLoop owns conn once Close was called: it writes what is left in the
// outbox and closes conn.
func (c *NetConn) writeLoop(conn net.Conn) {
	var pending []byte
	for {
		closed := false
		select {
		case <-c.chWrite:
		case <-c.chClose:
			closed = true
		}

		c.mux.Lock()
		pending, c.outbox = c.outbox, pending[:0]
		c.writing = len(pending) > 0
		c.mux.Unlock()

		if closed {
			if len(pending) > 0 && c.conf.LingerTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(c.conf.LingerTimeout))
				if _, err := conn.Write(pending); err != nil {
					logging.Debug("NetConn[%v] linger write failed: %v", c.conf.Addr, err)
				}
			}
			c.mux.Lock()
			c.writing = false
			c.mux.Unlock()
			conn.Close()
			return
		}

		if len(pending) == 0 {
			continue
		}
		_, err := conn.Write(pending)

		c.mux.Lock()
		c.writing = false
		if err != nil && c.writeErr == nil {
			c.writeErr = err
		}
		if err == nil {
			c.touchIdle()
		}
		if len(c.outbox) > 0 {
			c.signalWriter()
		}
		c.mux.Unlock()

		c.wake()
		if err != nil {
			conn.Close()
			return
		}
	}
}

func (c *NetConn) signalWriter() {
	select {
	case c.chWrite <- struct{}{}:
	default:
	}
}

// Send implements Transport.
func (c *NetConn) Send(b []byte) (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.errLocked(); err != nil {
		return 0, err
	}
	if c.state != netStateConnected {
		return 0, ErrWouldBlock
	}
	free := c.conf.MaxOutboxSize - len(c.outbox)
	if free <= 0 {
		return 0, ErrWouldBlock
	}
	if len(b) < free {
		free = len(b)
	}
	c.outbox = append(c.outbox, b[:free]...)
	c.signalWriter()
	c.touchIdle()
	return free, nil
}

// Recv implements Transport.
func (c *NetConn) Recv(b []byte) (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if len(c.inbox) > 0 {
		n := copy(b, c.inbox)
		c.inbox = c.inbox[:copy(c.inbox, c.inbox[n:])]
		c.cond.Signal()
		return n, nil
	}
	if err := c.errLocked(); err != nil {
		return 0, err
	}
	if c.readErr != nil {
		if c.readErr == io.EOF {
			return 0, ErrPeerClosed
		}
		return 0, c.readErr
	}
	return 0, ErrWouldBlock
}

func (c *NetConn) errLocked() error {
	if c.state == netStateClosed {
		return ErrTransportClosed
	}
	if c.idleErr != nil {
		return c.idleErr
	}
	return c.writeErr
}

// Ready implements Transport.
func (c *NetConn) Ready() Readiness {
	c.mux.Lock()
	defer c.mux.Unlock()

	var r Readiness
	switch c.state {
	case netStateConnecting:
		if c.connErr != nil {
			r |= ReadyError
		} else if c.conn != nil {
			r |= ReadyWrite
		}
	case netStateConnected:
		if len(c.inbox) > 0 || c.readErr != nil {
			r |= ReadyRead
		}
		if len(c.outbox) < c.conf.MaxOutboxSize && c.writeErr == nil {
			r |= ReadyWrite
		}
		if (c.readErr != nil && c.readErr != io.EOF) || c.writeErr != nil || c.idleErr != nil {
			r |= ReadyError
		}
	case netStateClosed:
		r |= ReadyError
	}
	return r
}

// Flushed reports whether every byte accepted by Send has been written.
func (c *NetConn) Flushed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.outbox) == 0 && !c.writing
}

// Close implements Transport. Bytes accepted by Send are still written,
// within LingerTimeout, before the underlying conn closes.
func (c *NetConn) Close() error {
	c.mux.Lock()
	if c.state == netStateClosed {
		c.mux.Unlock()
		return nil
	}
	c.state = netStateClosed
	conn := c.conn
	c.conn = nil
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	close(c.chClose)
	c.cond.Broadcast()
	c.inbox = nil
	c.mux.Unlock()

	if conn != nil {
		// bounds a write blocked on a peer that stopped reading
		deadline := time.Now()
		if c.conf.LingerTimeout > 0 {
			deadline = deadline.Add(c.conf.LingerTimeout)
		}
		return conn.SetWriteDeadline(deadline)
	}
	return nil
}

func (c *NetConn) armIdle() {
	if c.conf.InactivityTimeout <= 0 {
		return
	}
	c.idle = c.conf.Timer.AfterFunc(c.conf.InactivityTimeout, func() {
		c.mux.Lock()
		if c.state != netStateClosed && c.idleErr == nil {
			c.idleErr = ErrInactivity
		}
		c.mux.Unlock()
		c.wake()
	})
}

func (c *NetConn) touchIdle() {
	if c.idle != nil && c.idleErr == nil {
		c.idle.Reset(c.conf.InactivityTimeout)
	}
}

// LocalAddr .
func (c *NetConn) LocalAddr() net.Addr {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}
