// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesismal/llib/std/crypto/tls"
	"github.com/lesismal/nbhttpc"
	"github.com/lesismal/nbhttpc/logging"
	"github.com/lesismal/nbhttpc/mempool"
	"github.com/lesismal/nbhttpc/timer"
)

const (
	// DefaultBufferSize .
	DefaultBufferSize = 1024 * 2

	// DefaultMaxSignals .
	DefaultMaxSignals = 64

	// DefaultMaxBodySize .
	DefaultMaxBodySize = 1024 * 1024 * 4

	// MinBufferSize .
	MinBufferSize = 64
)

// TransportFunc creates the transport of a connection.
type TransportFunc func(c *Conn) (nbhttpc.Transport, error)

// Config Of Client.
type Config struct {
	// Name describes your client name for logging, it's set to "NBHTTPC" by default.
	Name string

	// BufferSize is the fixed size of each connection's buffer, it's set to 2k by default.
	BufferSize int

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration

	// InactivityTimeout closes a connection without I/O for this long.
	InactivityTimeout time.Duration

	// Timeout bounds each blocking Do call, no limit if 0.
	Timeout time.Duration

	// MaxSignals bounds concurrent blocking Do calls, it's set to 64 by default.
	MaxSignals int

	// MaxBodySize bounds a response body collected into Response.Body, it's
	// set to 4M by default and a negative value removes the limit. A request
	// with a BodySink is not bounded.
	MaxBodySize int64

	// LingerTimeout bounds writing bytes still queued when a connection
	// closes, see nbhttpc.NetConfig.
	LingerTimeout time.Duration

	// Boundary separates multipart form fields.
	Boundary string

	// TLSConfig is used by connections created with ConnOptions.TLS.
	TLSConfig *tls.Config

	// Dial overrides the dialer of the default transport.
	Dial nbhttpc.DialFunc

	// Transport overrides the default NetConn transport.
	Transport TransportFunc

	// NWorkers and PollInterval configure the Engine.
	NWorkers     int
	PollInterval time.Duration
}

// Client is the context shared by connections: the engine that steps them,
// the signal pool of blocking calls and the transport configuration.
type Client struct {
	conf    Config
	engine  *nbhttpc.Engine
	timer   *timer.Timer
	signals *mempool.Bounded

	mux    sync.Mutex
	conns  map[*Conn]struct{}
	closed int32
}

// signal is the one-shot completion of a blocking Do. state is swapped to 1
// by whichever of the waiter and the callback finishes first, the other
// returns the signal to the pool.
type signal struct {
	ch    chan struct{}
	resp  *Response
	err   error
	state int32
}

// NewClient .
func NewClient(conf Config) *Client {
	if conf.Name == "" {
		conf.Name = "NBHTTPC"
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = DefaultBufferSize
	}
	if conf.BufferSize < MinBufferSize {
		conf.BufferSize = MinBufferSize
	}
	if conf.MaxSignals <= 0 {
		conf.MaxSignals = DefaultMaxSignals
	}
	if conf.Boundary == "" {
		conf.Boundary = DefaultBoundary
	}
	if conf.MaxBodySize == 0 {
		conf.MaxBodySize = DefaultMaxBodySize
	}
	cli := &Client{
		conf: conf,
		engine: nbhttpc.NewEngine(nbhttpc.Config{
			Name:         conf.Name,
			NWorkers:     conf.NWorkers,
			PollInterval: conf.PollInterval,
		}),
		timer: timer.New(conf.Name),
		conns: map[*Conn]struct{}{},
	}
	cli.signals = mempool.NewBounded(conf.MaxSignals, func() interface{} {
		return &signal{ch: make(chan struct{}, 1)}
	})
	return cli
}

// Engine returns the engine stepping the client's connections.
func (cli *Client) Engine() *nbhttpc.Engine {
	return cli.engine
}

// Start runs the engine loop.
func (cli *Client) Start() error {
	return cli.engine.Start()
}

// Closed .
func (cli *Client) Closed() bool {
	return atomic.LoadInt32(&cli.closed) == 1
}

func (cli *Client) wake() {
	cli.engine.Wake()
}

// NewConn creates a connection to host:port. It connects when the first
// request is submitted.
func (cli *Client) NewConn(host string, port int, opts ConnOptions) *Conn {
	c := newConn(cli, host, port, opts)
	cli.mux.Lock()
	cli.conns[c] = struct{}{}
	cli.mux.Unlock()
	cli.engine.Register(c)
	return c
}

// Release closes c and stops stepping it once the close is done.
func (cli *Client) Release(c *Conn) {
	atomic.StoreInt32(&c.released, 1)
	c.Close()
}

func (cli *Client) detach(c *Conn) {
	cli.mux.Lock()
	delete(cli.conns, c)
	cli.mux.Unlock()
	cli.engine.Unregister(c)
}

func (cli *Client) newTransport(c *Conn) (nbhttpc.Transport, error) {
	var (
		t   nbhttpc.Transport
		err error
	)
	if cli.conf.Transport != nil {
		t, err = cli.conf.Transport(c)
	} else {
		conf := nbhttpc.NetConfig{
			Addr:              net.JoinHostPort(c.host, strconv.Itoa(c.port)),
			Dial:              cli.conf.Dial,
			ConnectTimeout:    cli.conf.ConnectTimeout,
			InactivityTimeout: cli.conf.InactivityTimeout,
			LingerTimeout:     cli.conf.LingerTimeout,
			Timer:             cli.timer,
		}
		if c.opts.TLS {
			conf.TLSConfig = cli.conf.TLSConfig
			if conf.TLSConfig == nil {
				conf.TLSConfig = &tls.Config{}
			}
		}
		t = nbhttpc.NewNetConn(conf)
	}
	if err != nil {
		return nil, err
	}
	if n, ok := t.(nbhttpc.Notifier); ok {
		n.SetNotify(cli.engine.Wake)
	}
	return t, nil
}

// Do submits req on c and waits for its response. Callbacks already set on
// req are still called, before Do returns.
func (cli *Client) Do(c *Conn, req *Request) (*Response, error) {
	if cli.Closed() {
		return nil, ErrClientClosed
	}
	if !cli.engine.Running() {
		return nil, nbhttpc.ErrEngineStopped
	}

	if !req.acquire() {
		return nil, ErrOwnership
	}
	v, err := cli.signals.Get()
	if err != nil {
		req.release()
		return nil, err
	}
	sig := v.(*signal)
	sig.resp, sig.err, sig.state = nil, nil, 0

	onComplete, onError := req.OnComplete, req.OnError
	finish := func(resp *Response, err error) {
		req.OnComplete, req.OnError = onComplete, onError
		sig.resp, sig.err = resp, err
		sig.ch <- struct{}{}
		if !atomic.CompareAndSwapInt32(&sig.state, 0, 1) {
			select {
			case <-sig.ch:
			default:
			}
			cli.signals.Put(sig)
		}
	}
	req.OnComplete = func(req *Request, resp *Response) {
		if onComplete != nil {
			onComplete(req, resp)
		}
		finish(resp, nil)
	}
	req.OnError = func(req *Request, err error) {
		if onError != nil {
			onError(req, err)
		}
		finish(nil, err)
	}

	if err = c.submit(req, false); err != nil {
		req.OnComplete, req.OnError = onComplete, onError
		req.release()
		cli.signals.Put(sig)
		return nil, err
	}

	var timeout <-chan time.Time
	if cli.conf.Timeout > 0 {
		timeout = cli.timer.After(cli.conf.Timeout)
	}
	select {
	case <-sig.ch:
	case <-timeout:
		if atomic.CompareAndSwapInt32(&sig.state, 0, 1) {
			logging.Debug("Client[%v] Do %v %v timeout", cli.conf.Name, req.Method, req.Path)
			c.CloseWithError(ErrClientTimeout)
			return nil, ErrClientTimeout
		}
		<-sig.ch
	}
	resp, err := sig.resp, sig.err
	if !atomic.CompareAndSwapInt32(&sig.state, 0, 1) {
		cli.signals.Put(sig)
	}
	return resp, err
}

// Close closes every connection, fails their requests and stops the engine.
func (cli *Client) Close() {
	if !atomic.CompareAndSwapInt32(&cli.closed, 0, 1) {
		return
	}
	cli.mux.Lock()
	conns := make([]*Conn, 0, len(cli.conns))
	for c := range cli.conns {
		conns = append(conns, c)
	}
	cli.conns = map[*Conn]struct{}{}
	cli.mux.Unlock()

	cli.engine.Stop()
	for _, c := range conns {
		c.Close()
	}
	for cli.engine.Poll() {
	}
	for _, c := range conns {
		cli.engine.Unregister(c)
	}
	logging.Info("Client[%v] closed", cli.conf.Name)
}
