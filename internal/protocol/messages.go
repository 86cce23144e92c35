package protocol

import "time"

// SpeakRequest asks the engine to pronounce one letter.
type SpeakRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Letter    string `json:"letter"`
}

// CancelRequest silences whatever is being spoken.
type CancelRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

// StatusEvent mirrors one engine status transition on the bus.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	Letter    string    `json:"letter"`
	Type      string    `json:"type"`
	Backend   string    `json:"backend,omitempty"`
	Next      string    `json:"next,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeak  = "alfabeto.speak"
	SubjectCancel = "alfabeto.cancel"
	SubjectStatus = "alfabeto.status"
)

// Announce advertises an engine and the audio backends it can speak with.
type Announce struct {
	NodeID    string    `json:"node_id"`
	Room      string    `json:"room,omitempty"`
	Backends  []string  `json:"backends"`
	Timestamp time.Time `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAnnounce = "alfabeto.presence.announce"
	// SubjectHeartbeatPrefix is followed by the node id.
	SubjectHeartbeatPrefix = "alfabeto.presence.heartbeat."
)
