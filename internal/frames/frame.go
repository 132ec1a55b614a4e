package frames

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a payload independently of how it was split.
type Fingerprint uint64

// FingerprintOf hashes the payload bytes.
func FingerprintOf(payload []byte) Fingerprint {
	return Fingerprint(xxhash.Sum64(payload))
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Frame is one chunk of a payload. Concatenating the Bytes of frames
// 0..Total-1 reproduces the payload.
type Frame struct {
	Index       uint32
	Total       uint32
	Fingerprint Fingerprint
	Bytes       []byte
}

func (f Frame) Validate() error {
	if f.Total == 0 {
		return fmt.Errorf("%w: total is zero", ErrInvalidFrame)
	}
	if f.Index >= f.Total {
		return fmt.Errorf("%w: index %d out of range for total %d", ErrInvalidFrame, f.Index, f.Total)
	}

	return nil
}

const (
	multipartMarker = 0x00
	// HeaderLen is the size of the envelope written before chunk bytes.
	HeaderLen = 1 + 4 + 4 + 8
)

var ErrInvalidFrame = errors.New("invalid frame")

// MarshalFrame writes the multipart envelope followed by the chunk bytes.
func MarshalFrame(f Frame) []byte {
	out := make([]byte, HeaderLen+len(f.Bytes))
	out[0] = multipartMarker
	binary.BigEndian.PutUint32(out[1:5], f.Total)
	binary.BigEndian.PutUint32(out[5:9], f.Index)
	binary.BigEndian.PutUint64(out[9:17], uint64(f.Fingerprint))
	copy(out[HeaderLen:], f.Bytes)

	return out
}

// UnmarshalFrame parses a decoded QR payload produced by MarshalFrame. The
// returned frame owns a copy of the chunk bytes.
func UnmarshalFrame(raw []byte) (Frame, error) {
	if len(raw) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrInvalidFrame, len(raw), HeaderLen)
	}
	if raw[0] != multipartMarker {
		return Frame{}, fmt.Errorf("%w: unexpected marker 0x%02x", ErrInvalidFrame, raw[0])
	}

	f := Frame{
		Total:       binary.BigEndian.Uint32(raw[1:5]),
		Index:       binary.BigEndian.Uint32(raw[5:9]),
		Fingerprint: Fingerprint(binary.BigEndian.Uint64(raw[9:17])),
		Bytes:       append([]byte{}, raw[HeaderLen:]...),
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	return f, nil
}
