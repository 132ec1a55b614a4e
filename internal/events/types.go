package events

import "time"

// RawScan carries scanner read diagnostics for debug/log views.
type RawScan struct {
	Source  string
	Len     int
	Preview string
	At      time.Time
}

// SourceState is the connection state of a scanner source.
type SourceState string

const (
	SourceConnecting   SourceState = "connecting"
	SourceConnected    SourceState = "connected"
	SourceReconnecting SourceState = "reconnecting"
	SourceClosed       SourceState = "closed"
)

// SourceStatus reports scanner source connectivity.
type SourceStatus struct {
	Source    string
	State     SourceState
	Err       string
	Timestamp time.Time
}

// ScanStateChange is a bus event snapshot of a scan session lifecycle step.
type ScanStateChange struct {
	SessionID string
	Mode      string
	State     string
	Err       string
	Timestamp time.Time
}

// ScanProgress reports how many frames of a multi-frame payload are in hand.
type ScanProgress struct {
	SessionID   string
	Fingerprint string
	Received    int
	Total       int
	// Missing holds the lowest indices still needed, capped by the assembler.
	Missing     []uint32
}

// ScanWarning is a recoverable problem the user may want to see, such as a
// frame from a different payload or an unreadable code.
type ScanWarning struct {
	SessionID   string
	Reason      string
	Fingerprint string
}

// PayloadReceived is published once per session when reassembly completes.
type PayloadReceived struct {
	SessionID   string
	Mode        string
	Fingerprint string
	Frames      int
	Payload     []byte
	ReceivedAt  time.Time
}

// DisplayFrame is the WireString currently shown by the display side.
type DisplayFrame struct {
	Wire        string        `json:"wire"`
	Index       int           `json:"index"`
	Total       int           `json:"total"`
	Fingerprint string        `json:"fingerprint"`
	Interval    time.Duration `json:"interval_ns"`
	MultiFrame  bool          `json:"multi_frame"`
}
