package platform

import (
	"errors"
	"fmt"
	"time"

	"scamwarden/internal/schema"
)

// ErrMessageFiltered marks a wire message that was dropped by policy
// rather than rejected as malformed. Callers count these as skips, not
// errors.
var ErrMessageFiltered = errors.New("message filtered")

// NormalizerConfig controls wire message conversion.
type NormalizerConfig struct {
	// IgnoreBots drops messages authored by bot accounts.
	IgnoreBots bool `yaml:"ignore_bots"`
	// SelfID is the bot's own user ID. Messages it authored are dropped
	// so announcements never feed back into detection.
	SelfID string `yaml:"self_id"`
	// MaxSkew caps how far in the future a message timestamp may sit
	// before it is clamped to the current time.
	MaxSkew time.Duration `yaml:"max_skew"`
}

// DefaultNormalizerConfig returns sensible normalizer defaults.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		IgnoreBots: true,
		MaxSkew:    5 * time.Minute,
	}
}

// Normalizer converts platform wire messages into internal message events.
type Normalizer struct {
	ignoreBots bool
	selfID     string
	maxSkew    time.Duration
}

// NewNormalizer creates a normalizer from the given configuration.
func NewNormalizer(config NormalizerConfig) *Normalizer {
	if config.MaxSkew <= 0 {
		config.MaxSkew = 5 * time.Minute
	}
	return &Normalizer{
		ignoreBots: config.IgnoreBots,
		selfID:     config.SelfID,
		maxSkew:    config.MaxSkew,
	}
}

// Normalize converts a wire message into a message event. It returns
// ErrMessageFiltered for bot and self-authored messages and a plain error
// for malformed payloads.
func (n *Normalizer) Normalize(msg *WireMessage) (*schema.MessageEvent, error) {
	if msg == nil {
		return nil, fmt.Errorf("wire message is nil")
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("wire message missing id")
	}
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("wire message %s missing channel_id", msg.ID)
	}
	if msg.Author.ID == "" {
		return nil, fmt.Errorf("wire message %s missing author id", msg.ID)
	}

	if n.ignoreBots && msg.Author.Bot {
		return nil, fmt.Errorf("bot author %s: %w", msg.Author.ID, ErrMessageFiltered)
	}
	if n.selfID != "" && msg.Author.ID == n.selfID {
		return nil, fmt.Errorf("self-authored message: %w", ErrMessageFiltered)
	}

	observedAt, err := n.parseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("wire message %s: %w", msg.ID, err)
	}

	event := &schema.MessageEvent{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		Author: schema.Author{
			ID:   msg.Author.ID,
			Name: msg.Author.Username,
			Bot:  msg.Author.Bot,
		},
		Content:    msg.Content,
		ObservedAt: observedAt,
	}

	for _, att := range msg.Attachments {
		if att.Hash == "" {
			// Without a content hash the attachment cannot participate
			// in campaign matching.
			continue
		}
		event.Attachments = append(event.Attachments, schema.Attachment{
			ID:          att.ID,
			ContentType: att.ContentType,
			Hash:        att.Hash,
		})
	}

	event.Normalize(schema.TransportPlatform)
	return event, nil
}

// parseTimestamp parses an RFC3339 timestamp and clamps values further in
// the future than the allowed skew. A missing timestamp falls back to the
// current time.
func (n *Normalizer) parseTimestamp(value string) (time.Time, error) {
	now := time.Now().UTC()
	if value == "" {
		return now, nil
	}

	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}

	ts = ts.UTC()
	if ts.After(now.Add(n.maxSkew)) {
		return now, nil
	}
	return ts, nil
}
