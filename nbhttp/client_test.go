// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newFastServer(t *testing.T, handler fasthttp.RequestHandler) (*fasthttputil.InmemoryListener, func()) {
	ln := fasthttputil.NewInmemoryListener()
	svr := &fasthttp.Server{
		Handler:            handler,
		MaxRequestBodySize: 1 << 20,
	}
	done := make(chan struct{})
	go func() {
		svr.Serve(ln)
		close(done)
	}()
	return ln, func() {
		ln.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("fasthttp server did not stop")
		}
	}
}

func newFastClient(t *testing.T, ln *fasthttputil.InmemoryListener, bufferSize int) *Client {
	cli := NewClient(Config{
		BufferSize: bufferSize,
		Timeout:    time.Second * 5,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return ln.Dial()
		},
	})
	if err := cli.Start(); err != nil {
		t.Fatal(err)
	}
	return cli
}

func TestClientFastHTTP(t *testing.T) {
	fileData := bytes.Repeat([]byte("0123456789abcdef"), 40)
	streamed := bytes.Repeat([]byte("stream-"), 100)

	ln, stop := newFastServer(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/query":
			fmt.Fprintf(ctx, "%s|%s|%s", ctx.QueryArgs().Peek("name"), ctx.QueryArgs().Peek("q"), ctx.Request.Header.Peek("X-Trace"))
		case "/urlform":
			fmt.Fprintf(ctx, "%s|%s", ctx.PostArgs().Peek("user"), ctx.PostArgs().Peek("note"))
		case "/multipart":
			form, err := ctx.MultipartForm()
			if err != nil {
				ctx.Error(err.Error(), fasthttp.StatusBadRequest)
				return
			}
			fh := form.File["upload"]
			if len(fh) != 1 {
				ctx.Error("no file", fasthttp.StatusBadRequest)
				return
			}
			f, err := fh[0].Open()
			if err != nil {
				ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
				return
			}
			data, _ := ioutil.ReadAll(f)
			f.Close()
			fmt.Fprintf(ctx, "%s|%s|%s|%v|%v", form.Value["title"][0], form.Value["ext"][0], fh[0].Filename, len(data), bytes.Equal(data, fileData))
		case "/echo":
			ctx.SetContentType("application/octet-stream")
			ctx.Write(ctx.PostBody())
		case "/stream":
			ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				for i := 0; i < len(streamed); i += 70 {
					end := i + 70
					if end > len(streamed) {
						end = len(streamed)
					}
					w.Write(streamed[i:end])
					w.Flush()
				}
			})
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	})
	defer stop()

	cli := newFastClient(t, ln, 256)
	defer cli.Close()
	c := cli.NewConn("example.com", 80, ConnOptions{Persistent: true})

	resp, err := cli.Do(c, &Request{
		Method: MethodGet,
		Path:   "/query",
		Query:  []KV{{"name", "a b&c"}, {"q", "100%"}},
		Header: []KV{{"X-Trace", "t1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "a b&c|100%|t1" {
		t.Fatalf("query: %v %q", resp.StatusCode, resp.Body)
	}

	resp, err = cli.Do(c, &Request{
		Method:      MethodPost,
		Path:        "/urlform",
		ContentType: ContentTypeURLForm,
		Form:        NewForm().Add("user", "nb~io").Add("note", "x=y;z"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "nb~io|x=y;z" {
		t.Fatalf("urlform: %q", resp.Body)
	}

	ext := "pulled value"
	resp, err = cli.Do(c, &Request{
		Method:      MethodPost,
		Path:        "/multipart",
		ContentType: ContentTypeMultipart,
		Form: NewForm().
			Add("title", "report").
			AddExt("ext", int64(len(ext)), &BytesSource{Data: []byte(ext)}).
			AddFile("upload", "data.bin", "application/octet-stream", int64(len(fileData)), &BytesSource{Data: fileData}),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("report|%s|data.bin|%v|true", ext, len(fileData))
	if resp.StatusCode != 200 || string(resp.Body) != want {
		t.Fatalf("multipart: %v %q", resp.StatusCode, resp.Body)
	}

	resp, err = cli.Do(c, &Request{
		Method:     MethodPut,
		Path:       "/echo",
		Chunked:    true,
		BodySource: &BytesSource{Data: fileData},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp.Body, fileData) {
		t.Fatalf("chunked echo: %v bytes", len(resp.Body))
	}

	resp, err = cli.Do(c, &Request{Method: MethodGet, Path: "/stream"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Chunked || !bytes.Equal(resp.Body, streamed) {
		t.Fatalf("stream: chunked %v, %v bytes", resp.Chunked, len(resp.Body))
	}

	resp, err = cli.Do(c, &Request{Method: MethodGet, Path: "/missing"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("missing: %v", resp.StatusCode)
	}
}

func TestClientFastHTTPNoBlock(t *testing.T) {
	ln, stop := newFastServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.Write(ctx.RequestURI())
	})
	defer stop()

	cli := newFastClient(t, ln, 128)
	defer cli.Close()
	c := cli.NewConn("localhost", 8080, ConnOptions{Persistent: true, NoBlock: true})

	const n = 20
	rec := &recorder{}
	reqs := make([]*Request, n)
	for i := range reqs {
		reqs[i] = rec.request(MethodGet, "/seq/"+strconv.Itoa(i))
		if err := c.Submit(reqs[i]); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(time.Second * 5)
	for rec.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %v of %v responses", rec.count(), n)
		}
		time.Sleep(time.Millisecond)
	}
	rec.mux.Lock()
	defer rec.mux.Unlock()
	for i, res := range rec.results {
		if res.err != nil {
			t.Fatalf("request %v: %v", i, res.err)
		}
		if res.req != reqs[i] || string(res.resp.Body) != reqs[i].Path {
			t.Fatalf("request %v answered out of order: %q", i, res.resp.Body)
		}
	}
}

func TestClientHTTPRouter(t *testing.T) {
	router := httprouter.New()
	router.GET("/users/:name", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("X-User", ps.ByName("name"))
		fmt.Fprintf(w, "hello %s, page %s", ps.ByName("name"), r.URL.Query().Get("page"))
	})
	router.POST("/users/:name/avatar", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		f, hdr, err := r.FormFile("avatar")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := ioutil.ReadAll(f)
		fmt.Fprintf(w, "%s:%s:%s", ps.ByName("name"), hdr.Filename, data)
	})
	router.HEAD("/users/:name", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Length", "42")
	})
	svr := httptest.NewServer(router)
	defer svr.Close()

	u, err := url.Parse(svr.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	cli := NewClient(Config{Timeout: time.Second * 5, ConnectTimeout: time.Second})
	if err := cli.Start(); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	c := cli.NewConn(host, port, ConnOptions{Persistent: true})

	resp, err := cli.Do(c, &Request{
		Method: MethodGet,
		Path:   "/users/gopher",
		Query:  []KV{{"page", "2"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "hello gopher, page 2" || resp.Header.Get("X-User") != "gopher" {
		t.Fatalf("get: %q %v", resp.Body, resp.Header)
	}

	resp, err = cli.Do(c, &Request{Method: MethodHead, Path: "/users/gopher"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ContentLength != 42 || len(resp.Body) != 0 {
		t.Fatalf("head: %v %q", resp.ContentLength, resp.Body)
	}

	avatar := "not really a png"
	resp, err = cli.Do(c, &Request{
		Method:      MethodPost,
		Path:        "/users/gopher/avatar",
		ContentType: ContentTypeMultipart,
		Form:        NewForm().AddFile("avatar", "me.png", "image/png", int64(len(avatar)), &ReaderSource{Reader: strings.NewReader(avatar)}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "gopher:me.png:"+avatar {
		t.Fatalf("avatar: %v %q", resp.StatusCode, resp.Body)
	}

	closing := cli.NewConn(host, port, ConnOptions{})
	resp, err = cli.Do(closing, &Request{Method: MethodGet, Path: "/users/once"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "hello once, page " {
		t.Fatalf("close: %q", resp.Body)
	}
	if resp.KeepAlive {
		t.Fatalf("non-persistent connection answered keep-alive")
	}
}

func TestClientConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cli := NewClient(Config{Timeout: time.Second * 5, ConnectTimeout: time.Second})
	if err := cli.Start(); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	c := cli.NewConn("127.0.0.1", addr.Port, ConnOptions{})
	if _, err := cli.Do(c, &Request{Method: MethodGet}); err == nil {
		t.Fatalf("Do to a closed port succeeded")
	}
}
