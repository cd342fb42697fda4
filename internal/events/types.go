package events

import "time"

// EventType identifies a node lifecycle or security event.
type EventType string

const (
	NodeRegistered      EventType = "node_registered"
	LoginRejected       EventType = "login_rejected"
	FingerprintConflict EventType = "fingerprint_conflict"
	NodeOffline         EventType = "node_offline"
	CommandPublished    EventType = "command_published"
	UpgradeOffered      EventType = "upgrade_offered"
)

// Severity classifies an event for notification routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one occurrence published on the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	NodeCode  string            `json:"node_code,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
