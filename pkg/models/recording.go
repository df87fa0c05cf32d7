package models

// Direction of a recorded wire message relative to the server
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Channel identifies which link a recorded message travelled on
type Channel string

const (
	ChannelCLI     Channel = "cli"
	ChannelBrowser Channel = "browser"
)

// RecordingHeader is the first line of every recording file
type RecordingHeader struct {
	Header      bool        `json:"_header"`
	Version     int         `json:"version"`
	SessionID   string      `json:"session_id"`
	BackendType BackendType `json:"backend_type"`
	StartedAt   int64       `json:"started_at"`
	Cwd         string      `json:"cwd"`
}

// RecordingEntry is one recorded wire message
type RecordingEntry struct {
	TS  int64     `json:"ts"`
	Dir Direction `json:"dir"`
	Raw string    `json:"raw"`
	Ch  Channel   `json:"ch"`
}

// RecordingInfo describes one recording file on disk
type RecordingInfo struct {
	Filename    string      `json:"filename"`
	SessionID   string      `json:"sessionId"`
	BackendType BackendType `json:"backendType"`
	StartedAt   string      `json:"startedAt"`
	Lines       int         `json:"lines"`
	SizeBytes   int64       `json:"sizeBytes"`
	Active      bool        `json:"active"`
}
