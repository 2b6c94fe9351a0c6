// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import "strings"

const (
	// MethodGet .
	MethodGet = "GET"
	// MethodHead .
	MethodHead = "HEAD"
	// MethodPost .
	MethodPost = "POST"
	// MethodPut .
	MethodPut = "PUT"
	// MethodDelete .
	MethodDelete = "DELETE"
	// MethodOptions .
	MethodOptions = "OPTIONS"
	// MethodTrace .
	MethodTrace = "TRACE"
	// MethodConnect .
	MethodConnect = "CONNECT"
	// MethodPatch .
	MethodPatch = "PATCH"
)

const (
	protoHTTP10 = "HTTP/1.0"
	protoHTTP11 = "HTTP/1.1"
)

// bodyPolicy tells what a method may carry.
type bodyPolicy uint8

const (
	bodyOptional bodyPolicy = iota
	bodyNever
	bodyFormOrData
	bodyData
)

var (
	validMethods = map[string]bodyPolicy{
		MethodOptions: bodyOptional,
		MethodGet:     bodyOptional,
		MethodHead:    bodyOptional,
		MethodPost:    bodyFormOrData,
		MethodPut:     bodyData,
		MethodDelete:  bodyOptional,
		MethodTrace:   bodyNever,
		MethodConnect: bodyNever,
		MethodPatch:   bodyOptional, // RFC 5789
	}

	validVersions = map[string]bool{
		protoHTTP10: true,
		protoHTTP11: true,
	}

	// status codes the response parser accepts.
	statusText = map[int]string{
		100: "Continue",
		101: "Switching Protocols",
		200: "OK",
		201: "Created",
		202: "Accepted",
		203: "Non-Authoritative Information",
		204: "No Content",
		205: "Reset Content",
		206: "Partial Content",
		300: "Multiple Choices",
		301: "Moved Permanently",
		302: "Found",
		303: "See Other",
		304: "Not Modified",
		305: "Use Proxy",
		307: "Temporary Redirect",
		308: "Permanent Redirect",
		400: "Bad Request",
		401: "Unauthorized",
		402: "Payment Required",
		403: "Forbidden",
		404: "Not Found",
		405: "Method Not Allowed",
		406: "Not Acceptable",
		407: "Proxy Authentication Required",
		408: "Request Timeout",
		409: "Conflict",
		410: "Gone",
		411: "Length Required",
		412: "Precondition Failed",
		413: "Request Entity Too Large",
		414: "Request URI Too Long",
		415: "Unsupported Media Type",
		416: "Requested Range Not Satisfiable",
		417: "Expectation Failed",
		426: "Upgrade Required",
		429: "Too Many Requests",
		500: "Internal Server Error",
		501: "Not Implemented",
		502: "Bad Gateway",
		503: "Service Unavailable",
		504: "Gateway Timeout",
		505: "HTTP Version Not Supported",
	}

	// headers computed by the request writer, lower case.
	reservedHeaders = map[string]bool{
		"host":              true,
		"connection":        true,
		"content-type":      true,
		"content-length":    true,
		"transfer-encoding": true,
		"upgrade":           true,
	}

	tokenCharMap = [256]bool{
		'!':  true,
		'#':  true,
		'$':  true,
		'%':  true,
		'&':  true,
		'\'': true,
		'*':  true,
		'+':  true,
		'-':  true,
		'.':  true,
		'0':  true,
		'1':  true,
		'2':  true,
		'3':  true,
		'4':  true,
		'5':  true,
		'6':  true,
		'7':  true,
		'8':  true,
		'9':  true,
		'A':  true,
		'B':  true,
		'C':  true,
		'D':  true,
		'E':  true,
		'F':  true,
		'G':  true,
		'H':  true,
		'I':  true,
		'J':  true,
		'K':  true,
		'L':  true,
		'M':  true,
		'N':  true,
		'O':  true,
		'P':  true,
		'Q':  true,
		'R':  true,
		'S':  true,
		'T':  true,
		'U':  true,
		'W':  true,
		'V':  true,
		'X':  true,
		'Y':  true,
		'Z':  true,
		'^':  true,
		'_':  true,
		'`':  true,
		'a':  true,
		'b':  true,
		'c':  true,
		'd':  true,
		'e':  true,
		'f':  true,
		'g':  true,
		'h':  true,
		'i':  true,
		'j':  true,
		'k':  true,
		'l':  true,
		'm':  true,
		'n':  true,
		'o':  true,
		'p':  true,
		'q':  true,
		'r':  true,
		's':  true,
		't':  true,
		'u':  true,
		'v':  true,
		'w':  true,
		'x':  true,
		'y':  true,
		'z':  true,
		'|':  true,
		'~':  true,
	}

	numCharMap = [256]bool{}
	hexCharMap = [256]bool{}
)

func init() {
	for i := byte(0); i < 10; i++ {
		numCharMap['0'+i] = true
		hexCharMap['0'+i] = true
	}
	for i := byte(0); i < 6; i++ {
		hexCharMap['A'+i] = true
		hexCharMap['a'+i] = true
	}
}

func isNum(c byte) bool {
	return numCharMap[c]
}

func isHex(c byte) bool {
	return hexCharMap[c]
}

func isToken(c byte) bool {
	return tokenCharMap[c]
}

func isValidToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isToken(s[i]) {
			return false
		}
	}
	return true
}

func methodPolicy(m string) (bodyPolicy, bool) {
	p, ok := validMethods[m]
	return p, ok
}

// StatusText returns the reason phrase of a supported status code, or "".
func StatusText(code int) string {
	return statusText[code]
}

func isReservedHeader(name string) bool {
	name = strings.ToLower(name)
	return reservedHeaders[name] || strings.HasPrefix(name, "sec-websocket-")
}
