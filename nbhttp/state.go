// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

// connState values share their high byte with the other states of the same
// phase, so state&stateFamilyMask tells the phase.
type connState uint16

const (
	stateFamilyMask connState = 0xFF00

	stateFamilyFlow      connState = 0x0100
	stateFamilyRequest   connState = 0x0200
	stateFamilyResponse  connState = 0x0400
	stateFamilyError     connState = 0x0800
	stateFamilyCompleted connState = 0x1000
	stateFamilyClose     connState = 0x2000
	stateFamilyWebSocket connState = 0x4000
)

const (
	// state: Flow
	stateNone connState = stateFamilyFlow | iota
	stateConnecting
)

const (
	// state: Request
	stateReqPrepare connState = stateFamilyRequest | iota
	stateReqLine
	stateReqHeaders
	stateReqBody
	stateReqEnd
)

const (
	// state: Response
	stateRespInit connState = stateFamilyResponse | iota
	stateRespStatus
	stateRespHeaders
	stateRespBody
	stateRespCompleted
)

const (
	stateError     connState = stateFamilyError
	stateCompleted connState = stateFamilyCompleted
	stateClose     connState = stateFamilyClose
)

const (
	// state: WebSocket
	stateWSInit connState = stateFamilyWebSocket | iota
	stateWSRxTx
	stateWSError
	stateWSClose
)

func (s connState) family() connState {
	return s & stateFamilyMask
}

func (s connState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateConnecting:
		return "connecting"
	case stateReqPrepare:
		return "req-prepare"
	case stateReqLine:
		return "req-line"
	case stateReqHeaders:
		return "req-headers"
	case stateReqBody:
		return "req-body"
	case stateReqEnd:
		return "req-end"
	case stateRespInit:
		return "resp-init"
	case stateRespStatus:
		return "resp-status"
	case stateRespHeaders:
		return "resp-headers"
	case stateRespBody:
		return "resp-body"
	case stateRespCompleted:
		return "resp-completed"
	case stateError:
		return "error"
	case stateCompleted:
		return "completed"
	case stateClose:
		return "close"
	case stateWSInit:
		return "ws-init"
	case stateWSRxTx:
		return "ws-rxtx"
	case stateWSError:
		return "ws-error"
	case stateWSClose:
		return "ws-close"
	}
	return "unknown"
}
