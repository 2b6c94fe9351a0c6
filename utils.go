// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttpc

import (
	"runtime"
	"unsafe"

	"github.com/lesismal/nbhttpc/logging"
)

// SafeGo runs fn in a new goroutine and logs its panic, if any.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				const size = 64 << 10
				buf := make([]byte, size)
				buf = buf[:runtime.Stack(buf, false)]
				logging.Error("goroutine failed: %v\n%v\n", err, *(*string)(unsafe.Pointer(&buf)))
			}
		}()
		fn()
	}()
}
