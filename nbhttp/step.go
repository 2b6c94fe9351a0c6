// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

// Step is the result of one resumable writer or parser step.
type Step uint8

const (
	// StepProgress means the current unit is done and the next may start.
	StepProgress Step = iota
	// StepExhausted means the buffer is full or more input is needed. The
	// cursor is saved and the same call resumes after the next transfer.
	StepExhausted
	// StepError means the transaction cannot continue.
	StepError
)

// String .
func (s Step) String() string {
	switch s {
	case StepProgress:
		return "progress"
	case StepExhausted:
		return "exhausted"
	default:
		return "error"
	}
}
