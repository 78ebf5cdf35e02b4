// Package protocol defines the wire contract between invokers, executors and
// the lease manager: the 32-bit immediate values carried by writes, the
// submission header, connection private data and the setup message.
package protocol

import "fmt"

// MaxFunctionID is the largest function id a submission immediate can carry.
const MaxFunctionID = 1<<15 - 1

const solicitedBit = 1 << 15

// Status is the return status carried by a result immediate.
type Status uint16

const (
	StatusOK Status = iota
	StatusUnknownFunction
	StatusFunctionFailed
	StatusOutputOverflow
	StatusMalformedRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownFunction:
		return "unknown_function"
	case StatusFunctionFailed:
		return "function_failed"
	case StatusOutputOverflow:
		return "output_overflow"
	case StatusMalformedRequest:
		return "malformed_request"
	default:
		return fmt.Sprintf("status_%d", uint16(s))
	}
}

// EncodeSubmission packs inv into bits 16-31, the solicited flag into bit 15
// and fn into bits 0-14.
func EncodeSubmission(fn, inv uint16, solicited bool) (uint32, error) {
	if fn > MaxFunctionID {
		return 0, fmt.Errorf("%w: %d", ErrFunctionIDRange, fn)
	}

	imm := uint32(inv)<<16 | uint32(fn)
	if solicited {
		imm |= solicitedBit
	}

	return imm, nil
}

// DecodeSubmission unpacks a submission immediate.
func DecodeSubmission(imm uint32) (fn, inv uint16, solicited bool) {
	return uint16(imm & MaxFunctionID), uint16(imm >> 16), imm&solicitedBit != 0
}

// EncodeResult packs inv into bits 16-31 and status into bits 0-15.
func EncodeResult(inv uint16, status Status) uint32 {
	return uint32(inv)<<16 | uint32(status)
}

// DecodeResult unpacks a result immediate.
func DecodeResult(imm uint32) (inv uint16, status Status) {
	return uint16(imm >> 16), Status(imm & 0xffff)
}
