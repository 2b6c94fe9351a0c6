// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := &queue{}
	reqs := make([]*Request, 10)
	for i := range reqs {
		reqs[i] = &Request{}
		if err := q.push(reqs[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.push(reqs[3]); err != ErrOwnership {
		t.Fatalf("resubmit: %v", err)
	}
	if q.len() != 10 || q.front() != reqs[0] {
		t.Fatalf("invalid queue: %v, %p", q.len(), q.front())
	}
	for i := 0; i < 5; i++ {
		if req := q.pop(); req != reqs[i] {
			t.Fatalf("pop %v: %p != %p", i, req, reqs[i])
		}
		reqs[i].release()
	}
	rest := q.drain()
	if len(rest) != 5 || q.len() != 0 || q.pop() != nil {
		t.Fatalf("invalid drain: %v, %v", len(rest), q.len())
	}
	for i, req := range rest {
		if req != reqs[i+5] {
			t.Fatalf("drain %v: %p != %p", i, req, reqs[i+5])
		}
	}
	if err := q.push(reqs[0]); err != nil {
		t.Fatalf("push released request: %v", err)
	}
}

func TestQueueConcurrentPush(t *testing.T) {
	q := &queue{}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.push(&Request{})
			}
		}()
	}
	wg.Wait()
	if q.len() != 800 || len(q.drain()) != 800 {
		t.Fatalf("lost requests")
	}
}
