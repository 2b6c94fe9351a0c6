// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	maxControlFramePayloadSize = 125
	maxCloseReasonSize         = maxControlFramePayloadSize - 2

	// maxFrameHeadSize is a client frame head with a 64-bit length.
	maxFrameHeadSize = 14

	finBit  = 1 << 7
	rsv1Bit = 1 << 6
	rsv2Bit = 1 << 5
	rsv3Bit = 1 << 4
	maskBit = 1 << 7
)

// MessageType .
type MessageType int8

// The message types are defined in RFC 6455, section 11.8.
const (
	// FragmentMessage .
	FragmentMessage MessageType = 0 // Must be preceded by Text or Binary message
	// TextMessage .
	TextMessage MessageType = 1
	// BinaryMessage .
	BinaryMessage MessageType = 2
	// CloseMessage .
	CloseMessage MessageType = 8
	// PingMessage .
	PingMessage MessageType = 9
	// PongMessage .
	PongMessage MessageType = 10
)

// String .
func (t MessageType) String() string {
	switch t {
	case FragmentMessage:
		return "fragment"
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	}
	return fmt.Sprintf("opcode(%d)", int8(t))
}

func (t MessageType) isControl() bool {
	return t >= CloseMessage
}

// Close codes.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseTLSHandshake            = 1015
)

// validCloseCode reports whether code may be sent in a close frame.
func validCloseCode(code int) bool {
	switch code {
	case 1000, 1001, 1002, 1003, 1007, 1008, 1009, 1010, 1011, 1015:
		return true
	}
	// 3000-3999 are registered with IANA, 4000-4999 are private.
	return code >= 3000 && code < 5000
}

type frameHead struct {
	fin    bool
	rsv1   bool
	rsv2   bool
	rsv3   bool
	opcode MessageType
	masked bool
	key    [4]byte
	length int64
	size   int
}

// parseFrameHead decodes the frame head at the front of b. ok is false when
// b does not hold the whole head yet.
func parseFrameHead(b []byte) (h frameHead, ok bool, err error) {
	if len(b) < 2 {
		return h, false, nil
	}
	h.fin = b[0]&finBit != 0
	h.rsv1 = b[0]&rsv1Bit != 0
	h.rsv2 = b[0]&rsv2Bit != 0
	h.rsv3 = b[0]&rsv3Bit != 0
	h.opcode = MessageType(b[0] & 0x0F)
	h.masked = b[1]&maskBit != 0
	h.size = 2

	switch n := b[1] & 0x7F; n {
	case 126:
		if len(b) < 4 {
			return h, false, nil
		}
		h.length = int64(binary.BigEndian.Uint16(b[2:4]))
		h.size = 4
	case 127:
		if len(b) < 10 {
			return h, false, nil
		}
		v := binary.BigEndian.Uint64(b[2:10])
		if v>>32 != 0 {
			return h, false, fmt.Errorf("%w: frame length %v", ErrMessageTooLarge, v)
		}
		h.length = int64(v)
		h.size = 10
	default:
		h.length = int64(n)
	}

	if h.masked {
		if len(b) < h.size+4 {
			return h, false, nil
		}
		copy(h.key[:], b[h.size:h.size+4])
		h.size += 4
	}
	return h, true, nil
}

// frameHeadLen returns the size of a masked frame head for a payload of n bytes.
func frameHeadLen(n int64) int {
	switch {
	case n < 126:
		return 2 + 4
	case n <= 65535:
		return 4 + 4
	default:
		return 10 + 4
	}
}

// putFrameHead writes a masked frame head into dst and returns its size.
func putFrameHead(dst []byte, opcode MessageType, fin bool, n int64, key [4]byte) int {
	dst[0] = byte(opcode) & 0x0F
	if fin {
		dst[0] |= finBit
	}
	size := 2
	switch {
	case n < 126:
		dst[1] = maskBit | byte(n)
	case n <= 65535:
		dst[1] = maskBit | 126
		binary.BigEndian.PutUint16(dst[2:4], uint16(n))
		size = 4
	default:
		dst[1] = maskBit | 127
		binary.BigEndian.PutUint64(dst[2:10], uint64(n))
		size = 10
	}
	copy(dst[size:size+4], key[:])
	return size + 4
}

func validFrame(opcode MessageType, fin, res1, res2, res3, expectingFragments bool) error {
	if res1 || res2 || res3 {
		return ErrReserveBitSet
	}
	if (opcode > BinaryMessage && opcode < CloseMessage) || opcode > PongMessage {
		return fmt.Errorf("%w: opcode=%d", ErrReservedOpcodeSet, opcode)
	}
	if !fin && opcode.isControl() {
		return fmt.Errorf("%w: opcode=%d", ErrControlMessageFragmented, opcode)
	}
	if expectingFragments && (opcode == TextMessage || opcode == BinaryMessage) {
		return ErrFragmentsShouldNotHaveBinaryOrTextOpcode
	}
	if !expectingFragments && opcode == FragmentMessage {
		return ErrUnexpectedContinuation
	}
	return nil
}

// maskXOR masks b in place with key, starting at key index pos. It returns
// the key index of the byte after b so a payload can be masked in pieces.
func maskXOR(b []byte, key [4]byte, pos int) int {
	pos &= 3
	for len(b) > 0 && pos != 0 {
		b[0] ^= key[pos]
		b = b[1:]
		pos = (pos + 1) & 3
	}
	if len(b) >= 8 {
		k := uint64(binary.LittleEndian.Uint32(key[:]))
		k |= k << 32
		for len(b) >= 8 {
			binary.LittleEndian.PutUint64(b, binary.LittleEndian.Uint64(b)^k)
			b = b[8:]
		}
	}
	for i := range b {
		b[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	return pos
}

// FormatClose builds a close frame payload. The reason is cut to 123 bytes
// at a character boundary.
func FormatClose(code int, reason string) ([]byte, error) {
	if !validCloseCode(code) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCloseCode, code)
	}
	if len(reason) > maxCloseReasonSize {
		n := maxCloseReasonSize
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf, nil
}

// parseClose decodes a close frame payload. A payload without a code means
// a normal closure.
func parseClose(payload []byte) (int, string, error) {
	if len(payload) < 2 {
		return CloseNormalClosure, "", nil
	}
	code := int(binary.BigEndian.Uint16(payload))
	if !validCloseCode(code) {
		return code, "", fmt.Errorf("%w: %v", ErrInvalidCloseCode, code)
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return code, "", ErrInvalidUTF8
	}
	return code, string(reason), nil
}

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

func acceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func challengeKey() (string, error) {
	p := make([]byte, 16)
	if _, err := rand.Read(p); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p), nil
}
