// Package schema defines the canonical message-event schema for scamwarden.
// All ingested platform messages are normalized to this structure before
// they reach the queue and the detection engine.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// MessageEvent represents one observed chat message.
// All ingest paths (HTTP, TCP relay, DTLS relay, Kafka, platform poller)
// normalize their payloads to this structure.
type MessageEvent struct {
	// Required fields
	MessageID  string    `json:"message_id" validate:"required,platform_id"`
	ChannelID  string    `json:"channel_id" validate:"required,platform_id"`
	Author     Author    `json:"author" validate:"required"`
	ObservedAt time.Time `json:"observed_at" validate:"required"`

	// Optional fields
	GuildID     string       `json:"guild_id,omitempty" validate:"omitempty,platform_id"`
	Content     string       `json:"content,omitempty" validate:"max=8192"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"max=16,dive"`

	// Internal fields (set by system)
	EventID       uuid.UUID `json:"event_id"`
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
	Transport     Transport `json:"transport,omitempty"`
}

// UserID returns the author identifier the detection engine keys on.
func (e *MessageEvent) UserID() string {
	return e.Author.ID
}

// Normalize fills the system-assigned fields on an ingested event.
// Every ingest path calls this before the event reaches the queue.
func (e *MessageEvent) Normalize(transport Transport) {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersionCurrent
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.Transport == "" {
		e.Transport = transport
	}
}

// Author identifies who posted the message.
type Author struct {
	ID   string `json:"id" validate:"required,platform_id"`
	Name string `json:"name,omitempty" validate:"max=256"`
	Bot  bool   `json:"bot,omitempty"`
}

// Attachment carries the platform-computed content fingerprint of an
// uploaded file. The engine compares fingerprints, never bytes.
type Attachment struct {
	ID          string `json:"id,omitempty" validate:"omitempty,platform_id"`
	ContentType string `json:"content_type,omitempty" validate:"max=128"`
	Hash        string `json:"hash" validate:"required,attachment_hash"`
}

// Transport names the ingest path an event arrived on.
type Transport string

const (
	TransportHTTP     Transport = "http"
	TransportTCP      Transport = "tcp"
	TransportDTLS     Transport = "dtls"
	TransportKafka    Transport = "kafka"
	TransportPlatform Transport = "platform"
)

// IsValid checks if the transport is a valid value.
func (t Transport) IsValid() bool {
	switch t {
	case TransportHTTP, TransportTCP, TransportDTLS, TransportKafka, TransportPlatform:
		return true
	}
	return false
}

// ModerationAction represents a remediation step taken against a user or
// message after a verdict.
type ModerationAction string

const (
	ActionDeleteMessage ModerationAction = "delete_message"
	ActionTimeoutUser   ModerationAction = "timeout_user"
	ActionAnnounce      ModerationAction = "announce"
)

// IsValid checks if the moderation action is a valid value.
func (a ModerationAction) IsValid() bool {
	switch a {
	case ActionDeleteMessage, ActionTimeoutUser, ActionAnnounce:
		return true
	}
	return false
}

// SchemaVersionCurrent is the current version of the message-event schema.
const SchemaVersionCurrent = "1.0.0"
