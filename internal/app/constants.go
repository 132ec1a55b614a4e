package app

const (
	Name           = "qrlink"
	SourceURL      = "https://git.skobk.in/skobkin/qrlink"
	ConfigFilename = "config.json"
	DBFilename     = "payloads.db"
	LogFilename    = "qrlink.log"
	// EnvConfigDir overrides the user config directory.
	EnvConfigDir = "QRLINK_CONFIG_DIR"
)
