package events

const (
	TopicScanRaw      = "scan.raw"
	TopicScanState    = "scan.state"
	TopicScanProgress = "scan.progress"
	TopicScanWarning  = "scan.warning"
	TopicScanPayload  = "scan.payload"
	TopicSourceStatus = "scan.source"
	TopicDisplayFrame = "display.frame"
)
