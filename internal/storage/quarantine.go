package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MaxReprocessAttempts caps how many times a quarantined payload is retried
// before it is left for manual review.
const MaxReprocessAttempts = 3

// QuarantineEntry is a rejected inbound payload held for operator review.
type QuarantineEntry struct {
	RawEvent         string
	Source           string
	Transport        string
	ValidationErrors []string
	ErrorCode        string
}

// QuarantinedMessage is a stored quarantine row.
type QuarantinedMessage struct {
	ID                uuid.UUID
	QuarantinedAt     time.Time
	RawEvent          string
	Source            string
	Transport         string
	ValidationErrors  []string
	ErrorCode         string
	Reprocessed       bool
	ReprocessAttempts uint8
}

// Quarantine stores payloads that failed validation so they can be
// inspected and reprocessed after a fix.
type Quarantine struct {
	client *ClickHouseClient
}

// NewQuarantine creates a quarantine store on the given client.
func NewQuarantine(client *ClickHouseClient) *Quarantine {
	return &Quarantine{client: client}
}

// Write stores a single rejected payload.
func (q *Quarantine) Write(ctx context.Context, entry *QuarantineEntry) error {
	if entry == nil {
		return NewStorageError("write", "messages_quarantine", ErrInvalidData)
	}

	err := q.client.Exec(ctx, `INSERT INTO messages_quarantine (
		id, quarantined_at, raw_event, source, transport,
		validation_errors, error_code
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New(),
		time.Now().UTC(),
		entry.RawEvent,
		entry.Source,
		entry.Transport,
		entry.ValidationErrors,
		entry.ErrorCode,
	)
	if err != nil {
		return NewStorageError("write", "messages_quarantine", err)
	}
	return nil
}

// WriteBatch stores multiple rejected payloads in one insert.
func (q *Quarantine) WriteBatch(ctx context.Context, entries []*QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := q.client.PrepareBatch(ctx, `INSERT INTO messages_quarantine (
		id, quarantined_at, raw_event, source, transport,
		validation_errors, error_code)`)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if err := batch.Append(
			uuid.New(),
			now,
			entry.RawEvent,
			entry.Source,
			entry.Transport,
			entry.ValidationErrors,
			entry.ErrorCode,
		); err != nil {
			return NewStorageError("append", "messages_quarantine", err)
		}
	}

	if err := batch.Send(); err != nil {
		return NewStorageError("send", "messages_quarantine", err)
	}
	return nil
}

// GetPendingReprocess returns quarantined payloads that have not been
// reprocessed and still have attempts left, oldest first.
func (q *Quarantine) GetPendingReprocess(ctx context.Context, limit int) ([]*QuarantinedMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.client.Query(ctx, `
		SELECT id, quarantined_at, raw_event, source, transport,
		       validation_errors, error_code, reprocessed, reprocess_attempts
		FROM messages_quarantine
		WHERE reprocessed = false AND reprocess_attempts < ?
		ORDER BY quarantined_at ASC
		LIMIT ?`,
		MaxReprocessAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*QuarantinedMessage
	for rows.Next() {
		var msg QuarantinedMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.QuarantinedAt,
			&msg.RawEvent,
			&msg.Source,
			&msg.Transport,
			&msg.ValidationErrors,
			&msg.ErrorCode,
			&msg.Reprocessed,
			&msg.ReprocessAttempts,
		); err != nil {
			return nil, WrapQueryError("scan_quarantine", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// MarkReprocessed marks a quarantined payload as successfully reprocessed.
func (q *Quarantine) MarkReprocessed(ctx context.Context, id uuid.UUID) error {
	err := q.client.Exec(ctx,
		"ALTER TABLE messages_quarantine UPDATE reprocessed = true WHERE id = ?", id)
	if err != nil {
		return NewStorageError("mark_reprocessed", "messages_quarantine", err)
	}
	return nil
}

// IncrementAttempt records a failed reprocess attempt.
func (q *Quarantine) IncrementAttempt(ctx context.Context, id uuid.UUID) error {
	err := q.client.Exec(ctx,
		"ALTER TABLE messages_quarantine UPDATE reprocess_attempts = reprocess_attempts + 1 WHERE id = ?", id)
	if err != nil {
		return NewStorageError("increment_attempt", "messages_quarantine", err)
	}
	return nil
}

// Count returns the number of quarantined payloads not yet reprocessed.
func (q *Quarantine) Count(ctx context.Context) (uint64, error) {
	rows, err := q.client.Query(ctx,
		"SELECT count() FROM messages_quarantine WHERE reprocessed = false")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, WrapQueryError("scan_count", err)
		}
	}
	return count, rows.Err()
}
