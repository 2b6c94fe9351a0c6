// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"sync"
)

// ErrPoolEmpty is returned by Bounded.Get when every object is in use.
var ErrPoolEmpty = errors.New("pool empty")

// Bounded is a fixed-size pool of auxiliary objects shared between
// connections. The mutex is held only for the duration of Get and Put.
type Bounded struct {
	mux   sync.Mutex
	free  []interface{}
	size  int
	inUse int
	newFn func() interface{}
}

// NewBounded creates a pool that hands out at most size objects built by newFn.
func NewBounded(size int, newFn func() interface{}) *Bounded {
	if size <= 0 {
		size = 1
	}
	return &Bounded{
		free:  make([]interface{}, 0, size),
		size:  size,
		newFn: newFn,
	}
}

// Get returns a free object, creating one lazily while under the limit.
func (b *Bounded) Get() (interface{}, error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if n := len(b.free); n > 0 {
		v := b.free[n-1]
		b.free[n-1] = nil
		b.free = b.free[:n-1]
		b.inUse++
		return v, nil
	}
	if b.inUse >= b.size {
		return nil, ErrPoolEmpty
	}
	b.inUse++
	return b.newFn(), nil
}

// Put returns v to the pool.
func (b *Bounded) Put(v interface{}) {
	if v == nil {
		return
	}
	b.mux.Lock()
	if b.inUse > 0 {
		b.inUse--
	}
	if len(b.free) < b.size {
		b.free = append(b.free, v)
	}
	b.mux.Unlock()
}

// InUse returns the number of objects currently handed out.
func (b *Bounded) InUse() int {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.inUse
}
