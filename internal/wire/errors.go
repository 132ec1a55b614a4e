package wire

import (
	"errors"
	"fmt"
)

var (
	ErrBadFraming      = errors.New("bad framing")
	ErrLengthMismatch  = errors.New("length prefix mismatch")
	ErrMalformedHex    = errors.New("malformed hex payload")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// DecodeError describes why a scanned string was rejected. It matches its
// Reason sentinel with errors.Is.
type DecodeError struct {
	Reason error
	Len    int
	Detail string
}

func newDecodeError(reason error, input, detail string) *DecodeError {
	return &DecodeError{Reason: reason, Len: len(input), Detail: detail}
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode wire string (%d chars): %v", e.Len, e.Reason)
	}

	return fmt.Sprintf("decode wire string (%d chars): %v: %s", e.Len, e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}
