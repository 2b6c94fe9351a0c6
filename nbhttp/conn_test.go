// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lesismal/nbhttpc"
)

// fakeServer parses requests written to a fakeTransport and scripts the
// bytes the client receives.
type fakeServer struct {
	mux       sync.Mutex
	handler   func(req *http.Request, body []byte) []byte
	sendLimit int
	recvLimit int
	connErr   error
	conns     []*fakeTransport
	requests  []string
}

func (s *fakeServer) transport(c *Conn) (nbhttpc.Transport, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t := &fakeTransport{server: s}
	s.conns = append(s.conns, t)
	return t, nil
}

func (s *fakeServer) last() *fakeTransport {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.conns[len(s.conns)-1]
}

type fakeTransport struct {
	mux        sync.Mutex
	server     *fakeServer
	connected  bool
	closed     bool
	peerClosed bool
	received   []byte
	outbox     []byte
}

func (t *fakeTransport) Connect() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.server.connErr != nil {
		return t.server.connErr
	}
	if !t.connected {
		t.connected = true
		return nbhttpc.ErrWouldBlock
	}
	return nil
}

func (t *fakeTransport) Send(b []byte) (int, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.closed {
		return 0, nbhttpc.ErrTransportClosed
	}
	if t.peerClosed {
		return 0, nbhttpc.ErrPeerClosed
	}
	n := len(b)
	if t.server.sendLimit > 0 && n > t.server.sendLimit {
		n = t.server.sendLimit
	}
	t.received = append(t.received, b[:n]...)
	t.serve()
	return n, nil
}

// serve answers every complete request received so far.
func (t *fakeTransport) serve() {
	for len(t.received) > 0 {
		br := bytes.NewReader(t.received)
		r := bufio.NewReader(br)
		req, err := http.ReadRequest(r)
		if err != nil {
			return
		}
		body, err := ioutil.ReadAll(req.Body)
		if err != nil {
			return
		}
		t.received = t.received[len(t.received)-br.Len()-r.Buffered():]
		t.server.mux.Lock()
		t.server.requests = append(t.server.requests, req.URL.RequestURI())
		t.server.mux.Unlock()
		if t.server.handler != nil {
			t.outbox = append(t.outbox, t.server.handler(req, body)...)
		}
	}
}

func (t *fakeTransport) push(data string, closeAfter bool) {
	t.mux.Lock()
	t.outbox = append(t.outbox, data...)
	t.peerClosed = t.peerClosed || closeAfter
	t.mux.Unlock()
}

func (t *fakeTransport) Recv(b []byte) (int, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.closed {
		return 0, nbhttpc.ErrTransportClosed
	}
	if len(t.outbox) == 0 {
		if t.peerClosed {
			return 0, nbhttpc.ErrPeerClosed
		}
		return 0, nbhttpc.ErrWouldBlock
	}
	if t.server.recvLimit > 0 && len(b) > t.server.recvLimit {
		b = b[:t.server.recvLimit]
	}
	n := copy(b, t.outbox)
	t.outbox = t.outbox[n:]
	return n, nil
}

func (t *fakeTransport) Close() error {
	t.mux.Lock()
	t.closed = true
	t.mux.Unlock()
	return nil
}

func (t *fakeTransport) Ready() nbhttpc.Readiness {
	t.mux.Lock()
	defer t.mux.Unlock()
	if !t.connected || t.closed {
		return 0
	}
	r := nbhttpc.ReadyWrite
	if len(t.outbox) > 0 || t.peerClosed {
		r |= nbhttpc.ReadyRead
	}
	return r
}

func newTestClient(s *fakeServer, bufferSize int) *Client {
	return NewClient(Config{BufferSize: bufferSize, Transport: s.transport})
}

// pollUntil drives the engine by hand until cond holds.
func pollUntil(t *testing.T, cli *Client, cond func() bool) {
	for i := 0; i < 100000; i++ {
		if cond() {
			return
		}
		cli.Engine().Poll()
	}
	t.Fatalf("condition not reached")
}

type result struct {
	req  *Request
	resp *Response
	err  error
}

type recorder struct {
	mux     sync.Mutex
	results []result
}

func (r *recorder) request(method, path string) *Request {
	return &Request{
		Method: method,
		Path:   path,
		OnComplete: func(req *Request, resp *Response) {
			r.mux.Lock()
			r.results = append(r.results, result{req: req, resp: resp})
			r.mux.Unlock()
		},
		OnError: func(req *Request, err error) {
			r.mux.Lock()
			r.results = append(r.results, result{req: req, err: err})
			r.mux.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.results)
}

func chunkedResponse(body []byte, sizes ...int) []byte {
	out := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
	for len(body) > 0 {
		n := sizes[0]
		sizes = append(sizes[1:], n)
		if n > len(body) {
			n = len(body)
		}
		out = append(out, fmt.Sprintf("%x\r\n", n)...)
		out = append(out, body[:n]...)
		out = append(out, "\r\n"...)
		body = body[n:]
	}
	return append(out, "0\r\n\r\n"...)
}

func TestConnChunkedSmallBuffer(t *testing.T) {
	body := make([]byte, 200)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	var gotBody []byte
	s := &fakeServer{
		sendLimit: 32,
		recvLimit: 32,
		handler: func(req *http.Request, reqBody []byte) []byte {
			gotBody = reqBody
			return chunkedResponse(body, 90, 7, 50)
		},
	}
	cli := newTestClient(s, 64)
	c := cli.NewConn("localhost", 8080, ConnOptions{Persistent: true, NoBlock: true})

	rec := &recorder{}
	req := rec.request(MethodPut, "/chunked")
	req.Chunked = true
	req.BodySource = &BytesSource{Data: body}
	if err := c.Submit(req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cli, func() bool { return rec.count() == 1 })

	res := rec.results[0]
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("server got %v bytes: %q", len(gotBody), gotBody)
	}
	if !bytes.Equal(res.resp.Body, body) || !res.resp.Chunked {
		t.Fatalf("client got %v bytes: %q", len(res.resp.Body), res.resp.Body)
	}
	if !c.Connected() || c.state != stateReqPrepare {
		t.Fatalf("persistent connection not idle: %v", c.state)
	}
}

func TestConnFIFO(t *testing.T) {
	rec := &recorder{}
	s := &fakeServer{recvLimit: 7}
	s.handler = func(req *http.Request, body []byte) []byte {
		// no pipelining: every earlier request is already completed.
		if n := rec.count(); n != len(s.requests)-1 {
			return []byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")
		}
		path := req.URL.Path
		return []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %v\r\n\r\n%v", len(path), path))
	}
	cli := newTestClient(s, 128)
	c := cli.NewConn("localhost", 80, ConnOptions{Persistent: true, NoBlock: true})

	for i := 0; i < 10; i++ {
		if err := c.Submit(rec.request(MethodGet, fmt.Sprintf("/req/%v", i))); err != nil {
			t.Fatal(err)
		}
	}
	pollUntil(t, cli, func() bool { return rec.count() == 10 })
	for i, res := range rec.results {
		want := fmt.Sprintf("/req/%v", i)
		if res.err != nil || res.resp.StatusCode != 200 || string(res.resp.Body) != want || res.req.Path != want {
			t.Fatalf("result %v: %v, %+v", i, res.err, res.resp)
		}
	}
	if len(s.conns) != 1 {
		t.Fatalf("persistent connection reconnected %v times", len(s.conns))
	}
}

func TestConnSubmitErrors(t *testing.T) {
	cli := newTestClient(&fakeServer{}, 128)
	c := cli.NewConn("localhost", 80, ConnOptions{NoBlock: true})
	if err := c.Submit(&Request{Method: MethodGet}); !errors.Is(err, ErrCallbackRequired) {
		t.Fatalf("no-block without callbacks: %v", err)
	}
	rec := &recorder{}
	req := rec.request(MethodGet, "/")
	if err := c.Submit(req); err != nil {
		t.Fatal(err)
	}
	req.Method, req.Path = "post", ""
	if err := c.Submit(req); !errors.Is(err, ErrOwnership) {
		t.Fatalf("resubmit: %v", err)
	}
	if req.Method != "post" || req.Path != "" {
		t.Fatalf("resubmit rewrote the queued request: %q %q", req.Method, req.Path)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending: %v", c.Pending())
	}

	bad := rec.request("BREW", "/")
	if err := c.Submit(bad); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("invalid method: %v", err)
	}
	if bad.InUse() {
		t.Fatalf("rejected request still owned")
	}
	bad.Method = MethodGet
	if err := c.Submit(bad); err != nil {
		t.Fatalf("submit after fix: %v", err)
	}
	if c.Pending() != 2 {
		t.Fatalf("pending: %v", c.Pending())
	}
}

func TestConnCloseDrainsQueue(t *testing.T) {
	s := &fakeServer{}
	cli := newTestClient(s, 128)
	var (
		status CloseStatus
		closes int
	)
	c := cli.NewConn("localhost", 80, ConnOptions{
		Persistent: true,
		NoBlock:    true,
		OnClose: func(c *Conn, st CloseStatus, err error) {
			status = st
			closes++
		},
	})
	rec := &recorder{}
	for i := 0; i < 3; i++ {
		c.Submit(rec.request(MethodGet, "/silent"))
	}
	pollUntil(t, cli, func() bool { return c.state.family() == stateFamilyResponse })
	c.Close()
	pollUntil(t, cli, func() bool { return rec.count() == 3 })

	for i, res := range rec.results {
		if !errors.Is(res.err, ErrConnClosed) {
			t.Fatalf("request %v: %v", i, res.err)
		}
	}
	if closes != 1 || status != CloseLocal || c.state != stateNone || c.Pending() != 0 {
		t.Fatalf("close: %v, %v, %v", closes, status, c.state)
	}
	if !s.last().closed {
		t.Fatalf("transport not closed")
	}

	// the connection can be used again.
	s.handler = func(req *http.Request, body []byte) []byte {
		return []byte("HTTP/1.1 204 No Content\r\n\r\n")
	}
	c.Submit(rec.request(MethodGet, "/again"))
	pollUntil(t, cli, func() bool { return rec.count() == 4 })
	if res := rec.results[3]; res.err != nil || res.resp.StatusCode != 204 {
		t.Fatalf("reuse: %v", res.err)
	}
	if len(s.conns) != 2 {
		t.Fatalf("expected a reconnect, got %v transports", len(s.conns))
	}
}

func TestConnCloseStatus(t *testing.T) {
	ok := func(req *http.Request, body []byte) []byte {
		return []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}
	cases := []struct {
		name    string
		persist bool
		handler func(req *http.Request, body []byte) []byte
		after   func(t *fakeTransport)
		status  CloseStatus
		err     error
	}{
		{"not persistent", false, ok, nil, CloseLocal, nil},
		{"connection close", true, func(req *http.Request, body []byte) []byte {
			return []byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		}, nil, CloseLocal, nil},
		{"peer closed idle", true, ok, func(t *fakeTransport) { t.push("", true) }, ClosePeer, nil},
		{"unexpected data", true, ok, func(t *fakeTransport) { t.push("junk", false) }, CloseError, ErrUnexpectedData},
	}
	for _, cs := range cases {
		s := &fakeServer{handler: cs.handler}
		cli := newTestClient(s, 128)
		var (
			status CloseStatus
			cerr   error
		)
		c := cli.NewConn("localhost", 80, ConnOptions{
			Persistent: cs.persist,
			NoBlock:    true,
			OnClose: func(c *Conn, st CloseStatus, err error) {
				status, cerr = st, err
			},
		})
		rec := &recorder{}
		c.Submit(rec.request(MethodGet, "/"))
		pollUntil(t, cli, func() bool { return rec.count() == 1 })
		if rec.results[0].err != nil {
			t.Fatalf("%v: %v", cs.name, rec.results[0].err)
		}
		if cs.after != nil {
			cs.after(s.last())
		}
		pollUntil(t, cli, func() bool { return status != CloseNone })
		if status != cs.status || !errors.Is(cerr, cs.err) {
			t.Fatalf("%v: %v, %v", cs.name, status, cerr)
		}
	}
}

func TestConnErrors(t *testing.T) {
	errDial := errors.New("dial failed")
	cases := []struct {
		name    string
		server  *fakeServer
		after   func(t *fakeTransport)
		err     error
		status  CloseStatus
		failReq int
	}{
		{
			name:   "connect",
			server: &fakeServer{connErr: errDial},
			err:    errDial,
			status: CloseError,
		},
		{
			name: "version",
			server: &fakeServer{handler: func(req *http.Request, body []byte) []byte {
				return []byte("HTTP/2.0 200 OK\r\n\r\n")
			}},
			err:    ErrVersionNotSupported,
			status: CloseError,
		},
		{
			name:   "peer closed early",
			server: &fakeServer{},
			after:  func(t *fakeTransport) { t.push("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", true) },
			err:    nbhttpc.ErrPeerClosed,
			status: ClosePeer,
		},
	}
	for _, cs := range cases {
		cli := newTestClient(cs.server, 128)
		var status CloseStatus
		c := cli.NewConn("localhost", 80, ConnOptions{
			Persistent: true,
			NoBlock:    true,
			OnClose: func(c *Conn, st CloseStatus, err error) {
				status = st
			},
		})
		rec := &recorder{}
		c.Submit(rec.request(MethodGet, "/first"))
		c.Submit(rec.request(MethodGet, "/second"))
		if cs.after != nil {
			pollUntil(t, cli, func() bool { return c.state.family() == stateFamilyResponse })
			cs.after(cs.server.last())
		}
		pollUntil(t, cli, func() bool { return rec.count() == 2 })
		if !errors.Is(rec.results[0].err, cs.err) || rec.results[0].req.Path != "/first" {
			t.Fatalf("%v: first request: %v", cs.name, rec.results[0].err)
		}
		if !errors.Is(rec.results[1].err, ErrConnClosed) {
			t.Fatalf("%v: second request: %v", cs.name, rec.results[1].err)
		}
		if status != cs.status {
			t.Fatalf("%v: status %v", cs.name, status)
		}
	}
}

func TestConnUntilClose(t *testing.T) {
	s := &fakeServer{}
	cli := newTestClient(s, 64)
	var status CloseStatus
	c := cli.NewConn("localhost", 80, ConnOptions{
		Persistent: true,
		NoBlock:    true,
		OnClose:    func(c *Conn, st CloseStatus, err error) { status = st },
	})
	rec := &recorder{}
	c.Submit(rec.request(MethodGet, "/stream"))
	pollUntil(t, cli, func() bool { return c.state.family() == stateFamilyResponse })
	body := strings.Repeat("stream-", 30)
	s.last().push("HTTP/1.0 200 OK\r\n\r\n"+body, true)
	pollUntil(t, cli, func() bool { return rec.count() == 1 && status != CloseNone })
	res := rec.results[0]
	if res.err != nil || string(res.resp.Body) != body {
		t.Fatalf("until close: %v, %q", res.err, res.resp.Body)
	}
	if status != ClosePeer {
		t.Fatalf("status: %v", status)
	}
}

func TestClientDo(t *testing.T) {
	s := &fakeServer{handler: func(req *http.Request, body []byte) []byte {
		if req.URL.Path == "/silent" {
			return nil
		}
		return []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %v\r\n\r\n%s", len(body), body))
	}}
	cli := NewClient(Config{
		BufferSize:   128,
		Transport:    s.transport,
		Timeout:      time.Second / 5,
		MaxSignals:   1,
		PollInterval: time.Millisecond,
	})
	if _, err := cli.Do(cli.NewConn("localhost", 80, ConnOptions{}), &Request{Method: MethodGet}); !errors.Is(err, nbhttpc.ErrEngineStopped) {
		t.Fatalf("Do before Start: %v", err)
	}
	cli.Start()
	defer cli.Close()

	c := cli.NewConn("localhost", 80, ConnOptions{Persistent: true})
	called := false
	resp, err := cli.Do(c, &Request{
		Method:     MethodPost,
		Path:       "/echo",
		Body:       []byte("hello"),
		OnComplete: func(req *Request, resp *Response) { called = true },
	})
	if err != nil || string(resp.Body) != "hello" || !called {
		t.Fatalf("Do: %v, %v", err, called)
	}

	_, err = cli.Do(c, &Request{Method: MethodGet, Path: "/silent"})
	if !errors.Is(err, ErrClientTimeout) {
		t.Fatalf("Do timeout: %v", err)
	}

	// the timed out call's signal is back once its request failed.
	time.Sleep(time.Second / 10)
	resp, err = cli.Do(c, &Request{Method: MethodPost, Path: "/echo", Body: []byte("again")})
	if err != nil || string(resp.Body) != "again" {
		t.Fatalf("Do after timeout: %v", err)
	}
}

func TestClientDoPoolEmpty(t *testing.T) {
	s := &fakeServer{}
	cli := NewClient(Config{BufferSize: 128, Transport: s.transport, MaxSignals: 1, PollInterval: time.Millisecond})
	cli.Start()

	c := cli.NewConn("localhost", 80, ConnOptions{Persistent: true})
	chErr := make(chan error, 1)
	go func() {
		_, err := cli.Do(c, &Request{Method: MethodGet, Path: "/silent"})
		chErr <- err
	}()
	for c.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := cli.Do(c, &Request{Method: MethodGet}); !errors.Is(err, nbhttpc.ErrPoolEmpty) {
		t.Fatalf("expected pool empty: %v", err)
	}
	cli.Close()
	if err := <-chErr; !errors.Is(err, ErrConnClosed) {
		t.Fatalf("pending Do after Close: %v", err)
	}
}
