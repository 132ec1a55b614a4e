// Package wire converts payload bytes to and from the text carried in a single
// QR code data segment.
//
// The layout mirrors a QR byte-mode segment written out as hex nibbles:
// mode indicator "4", an 8 or 16 bit character count, the data bytes and the
// "0" terminator. Some generators append the 0xEC 0x11 pad codewords, which
// Decode strips.
package wire

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// Indicator marks a binary (byte mode) payload.
	Indicator = "4"
	// Terminator ends a binary payload.
	Terminator = "0"

	// MaxPayloadLen is the largest payload a 16-bit length prefix can describe.
	MaxPayloadLen = math.MaxUint16

	padWord = "ec11"
	padByte = "ec"
)

// Encode renders payload as a WireString. Payloads up to 255 bytes use a
// one-byte length prefix, longer ones a two-byte prefix.
func Encode(payload []byte) (string, error) {
	if len(payload) > MaxPayloadLen {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	var sb strings.Builder
	sb.Grow(len(Indicator) + 4 + 2*len(payload) + len(Terminator))
	sb.WriteString(Indicator)
	if len(payload) <= math.MaxUint8 {
		fmt.Fprintf(&sb, "%02x", len(payload))
	} else {
		fmt.Fprintf(&sb, "%04x", len(payload))
	}
	sb.WriteString(hex.EncodeToString(payload))
	sb.WriteString(Terminator)

	return sb.String(), nil
}

// MustEncode is Encode for payloads known to fit, such as frames produced by
// the sequencer.
func MustEncode(payload []byte) string {
	s, err := Encode(payload)
	if err != nil {
		panic(err)
	}

	return s
}

// Decode parses a scanned WireString back into payload bytes.
func Decode(s string) ([]byte, error) {
	s = stripPadding(s)
	if len(s) < len(Indicator)+len(Terminator) ||
		!strings.HasPrefix(s, Indicator) ||
		!strings.HasSuffix(s, Terminator) {
		return nil, newDecodeError(ErrBadFraming, s, "missing indicator or terminator")
	}

	body := s[len(Indicator) : len(s)-len(Terminator)]
	data, ok := splitLengthPrefix(body)
	if !ok {
		return nil, newDecodeError(ErrLengthMismatch, s, fmt.Sprintf("%d characters after framing", len(body)))
	}
	if len(data)%2 != 0 {
		return nil, newDecodeError(ErrMalformedHex, s, "odd number of hex characters")
	}

	out := make([]byte, len(data)/2)
	if _, err := hex.Decode(out, []byte(data)); err != nil {
		return nil, newDecodeError(ErrMalformedHex, s, err.Error())
	}

	return out, nil
}

func stripPadding(s string) string {
	for strings.HasSuffix(s, padWord) {
		s = s[:len(s)-len(padWord)]
	}

	return strings.TrimSuffix(s, padByte)
}

// splitLengthPrefix infers the prefix width from whichever interpretation
// makes the remaining length consistent; the prefix itself is not
// self-describing.
func splitLengthPrefix(body string) (string, bool) {
	for _, width := range [...]int{2, 4} {
		if len(body) < width {
			continue
		}
		n, err := strconv.ParseUint(body[:width], 16, 16)
		if err != nil {
			continue
		}
		if width+2*int(n) == len(body) {
			return body[width:], true
		}
	}

	return "", false
}
