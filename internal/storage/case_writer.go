package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"scamwarden/internal/remediation"
)

// CaseWriter persists remediation cases. A case is written again on every
// status change; the cases table replaces rows by id on merge, keeping the
// newest version.
type CaseWriter struct {
	client *ClickHouseClient

	written uint64
	failed  uint64
}

// NewCaseWriter creates a case writer on the given client.
func NewCaseWriter(client *ClickHouseClient) *CaseWriter {
	return &CaseWriter{client: client}
}

// WriteCase inserts the current version of a case.
func (w *CaseWriter) WriteCase(c *remediation.Case) error {
	if c == nil {
		return NewStorageError("write", "cases", ErrInvalidData)
	}

	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return NewStorageError("encode", "cases", err)
	}
	notes, err := json.Marshal(c.Notes)
	if err != nil {
		return NewStorageError("encode", "cases", err)
	}

	messageIDs := make([]string, len(c.Messages))
	channelIDs := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		messageIDs[i] = m.MessageID
		channelIDs[i] = m.ChannelID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = w.client.Exec(ctx, `INSERT INTO cases (
		id, verdict_id, user_id, guild_id, severity, status, basis,
		content, fingerprint, message_ids, channel_ids, message_count,
		offenses, suspend_duration_s, actions, notes, error,
		detected_at, created_at, updated_at, resolved_at, resolved_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.VerdictID,
		c.UserID,
		c.GuildID,
		string(c.Severity),
		string(c.Status),
		string(c.Basis),
		c.Content,
		c.Fingerprint,
		messageIDs,
		channelIDs,
		uint8(len(c.Messages)),
		uint32(c.Offenses),
		uint32(c.SuspendDuration/time.Second),
		string(actions),
		string(notes),
		c.Error,
		c.DetectedAt,
		c.CreatedAt,
		c.UpdatedAt,
		c.ResolvedAt,
		c.ResolvedBy,
	)
	if err != nil {
		atomic.AddUint64(&w.failed, 1)
		return NewStorageError("write", "cases", err)
	}

	atomic.AddUint64(&w.written, 1)
	return nil
}

// Metrics returns write counters.
func (w *CaseWriter) Metrics() map[string]uint64 {
	return map[string]uint64{
		"written": atomic.LoadUint64(&w.written),
		"failed":  atomic.LoadUint64(&w.failed),
	}
}
