// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package websocket

import (
	"github.com/lesismal/nbhttpc/nbhttp"
)

// Upgrade switches c to the websocket protocol with a GET request to path.
//
// On a blocking connection it waits for the handshake and returns the open
// connection. On a no-block connection it returns once the request is
// queued, h.OnOpen or h.OnError then tells how the handshake ended.
func Upgrade(cli *nbhttp.Client, c *nbhttp.Conn, path string, h Handler) (*Conn, error) {
	return UpgradeWithConfig(cli, c, path, h, Config{})
}

// UpgradeWithConfig is Upgrade with a Config.
func UpgradeWithConfig(cli *nbhttp.Client, c *nbhttp.Conn, path string, h Handler, conf Config) (*Conn, error) {
	if c.Upgraded() {
		return nil, ErrAlreadyUpgraded
	}
	_, canOpen := h.(OpenHandler)
	noBlock := c.Options().NoBlock
	if noBlock && !c.Connected() && !canOpen {
		return nil, ErrNotConnected
	}

	ws, err := newConn(cli, h, conf)
	if err != nil {
		return nil, err
	}
	req := &nbhttp.Request{
		Method:  nbhttp.MethodGet,
		Path:    path,
		Header:  conf.Header,
		Upgrade: ws,
		OnComplete: func(req *nbhttp.Request, resp *nbhttp.Response) {
			ws.open()
		},
	}

	if noBlock {
		req.OnError = func(req *nbhttp.Request, err error) {
			ws.openFailed(err)
		}
		if err := c.Submit(req); err != nil {
			return nil, err
		}
		return ws, nil
	}

	if _, err := cli.Do(c, req); err != nil {
		ws.release()
		return nil, err
	}
	return ws, nil
}
