// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import "sync"

// queue is the FIFO of requests bound to one connection. Only the head is
// ever active.
type queue struct {
	mux  sync.Mutex
	head *Request
	tail *Request
	size int
}

func (q *queue) push(req *Request) error {
	if !req.acquire() {
		return ErrOwnership
	}
	q.link(req)
	return nil
}

// link appends a request the caller already acquired.
func (q *queue) link(req *Request) {
	q.mux.Lock()
	req.next = nil
	if q.tail == nil {
		q.head = req
	} else {
		q.tail.next = req
	}
	q.tail = req
	q.size++
	q.mux.Unlock()
}

func (q *queue) front() *Request {
	q.mux.Lock()
	defer q.mux.Unlock()
	return q.head
}

// pop detaches the head. The caller releases it once its callback returns.
func (q *queue) pop() *Request {
	q.mux.Lock()
	defer q.mux.Unlock()
	req := q.head
	if req == nil {
		return nil
	}
	q.head = req.next
	if q.head == nil {
		q.tail = nil
	}
	req.next = nil
	q.size--
	return req
}

// drain detaches every request in order.
func (q *queue) drain() []*Request {
	q.mux.Lock()
	defer q.mux.Unlock()
	reqs := make([]*Request, 0, q.size)
	for req := q.head; req != nil; {
		next := req.next
		req.next = nil
		reqs = append(reqs, req)
		req = next
	}
	q.head, q.tail, q.size = nil, nil, 0
	return reqs
}

func (q *queue) len() int {
	q.mux.Lock()
	defer q.mux.Unlock()
	return q.size
}
