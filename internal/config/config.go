package config

import "time"

// Settings holds configuration for a stagerun invocation.
type Settings struct {
	OutputDir string        // run output directory (default "stagerun-out")
	Filters   []string      // raw filter expressions from -f
	Timeout   string        // global default timeout spec: soft[,hard[,kill]] seconds
	Poll      time.Duration // scheduler tick length
	Listen    string        // status server address; empty disables it
	LogLevel  string        // debug, info, warn, error
	LogFormat string        // text, json
}

// DefaultSettings returns sensible defaults.
func DefaultSettings() Settings {
	return Settings{
		OutputDir: "stagerun-out",
		Timeout:   "3600",
		Poll:      time.Second,
		LogLevel:  "info",
		LogFormat: "text",
	}
}
