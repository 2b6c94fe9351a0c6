// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

const upperHex = "0123456789ABCDEF"

var unreservedCharMap = [256]bool{}

func init() {
	for i := byte(0); i < 10; i++ {
		unreservedCharMap['0'+i] = true
	}
	for i := byte(0); i < 26; i++ {
		unreservedCharMap['A'+i] = true
		unreservedCharMap['a'+i] = true
	}
	unreservedCharMap['-'] = true
	unreservedCharMap['.'] = true
	unreservedCharMap['_'] = true
	unreservedCharMap['~'] = true
}

func shouldEscape(c byte) bool {
	return !unreservedCharMap[c]
}

// EscapedLen returns the length of s once percent-encoded.
func EscapedLen(s string) int {
	n := len(s)
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n += 2
		}
	}
	return n
}

// escapeTo percent-encodes s into dst, which must hold EscapedLen(s) bytes.
func escapeTo(dst []byte, s string) int {
	j := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			dst[j] = '%'
			dst[j+1] = upperHex[c>>4]
			dst[j+2] = upperHex[c&15]
			j += 3
		} else {
			dst[j] = c
			j++
		}
	}
	return j
}

// Escape percent-encodes everything except ALPHA, DIGIT and "-._~".
func Escape(s string) string {
	n := EscapedLen(s)
	if n == len(s) {
		return s
	}
	buf := make([]byte, n)
	escapeTo(buf, s)
	return string(buf)
}

// kvLen is the encoded length of "[sep]key[=value]".
func kvLen(sep byte, kv KV) int {
	n := EscapedLen(kv.Key)
	if sep != 0 {
		n++
	}
	if kv.Value != "" {
		n += 1 + EscapedLen(kv.Value)
	}
	return n
}

// writeKV stages an encoded pair or nothing.
func writeKV(b *Buffer, sep byte, kv KV) bool {
	n := kvLen(sep, kv)
	if n > b.TxFree() {
		return false
	}
	dst := b.Free()[:n]
	j := 0
	if sep != 0 {
		dst[0] = sep
		j++
	}
	j += escapeTo(dst[j:], kv.Key)
	if kv.Value != "" {
		dst[j] = '='
		j++
		escapeTo(dst[j:], kv.Value)
	}
	b.Extend(n)
	return true
}
