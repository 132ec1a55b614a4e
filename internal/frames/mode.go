package frames

import (
	"fmt"
	"strings"
)

// Mode selects how a payload is carried in QR codes.
type Mode string

const (
	// ModeAddress carries a single raw payload without a frame envelope,
	// typically a UTF-8 account address.
	ModeAddress Mode = "address"
	// ModeSigning carries enveloped frames and supports multi-frame payloads.
	ModeSigning Mode = "signing"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAddress:
		return ModeAddress, nil
	case ModeSigning, "":
		return ModeSigning, nil
	default:
		return "", fmt.Errorf("unsupported mode: %q", raw)
	}
}
