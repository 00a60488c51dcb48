package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/remediation"

	"github.com/google/uuid"
)

func newStoredCase() *remediation.Case {
	now := time.Now().UTC()
	return &remediation.Case{
		ID:        uuid.New(),
		VerdictID: uuid.New(),
		UserID:    "user-001",
		GuildID:   "guild-001",
		Severity:  detection.SeverityHigh,
		Status:    remediation.StatusNew,
		Basis:     detection.BasisContent,
		Content:   "claim your prize at https://free-nitro.example/claim",
		Messages: []detection.MessageRef{
			{MessageID: "msg-001", ChannelID: "chan-a", ObservedAt: now},
			{MessageID: "msg-002", ChannelID: "chan-b", ObservedAt: now},
			{MessageID: "msg-003", ChannelID: "chan-c", ObservedAt: now},
		},
		SuspendDuration: 15 * time.Minute,
		Offenses:        1,
		DetectedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCaseWriterWritesCase(t *testing.T) {
	var gotQuery string
	var gotArgs []any
	conn := &mockConn{
		execFunc: func(_ context.Context, query string, args ...any) error {
			gotQuery = query
			gotArgs = args
			return nil
		},
	}
	cw := NewCaseWriter(newMockClient(conn))

	c := newStoredCase()
	if err := cw.WriteCase(c); err != nil {
		t.Fatalf("WriteCase() error = %v", err)
	}

	if !strings.Contains(gotQuery, "INSERT INTO cases") {
		t.Errorf("query does not target cases table: %s", gotQuery)
	}
	if len(gotArgs) != 22 {
		t.Errorf("arg count = %d, want 22", len(gotArgs))
	}
	if gotArgs[0] != c.ID {
		t.Errorf("first arg = %v, want case id %v", gotArgs[0], c.ID)
	}
	if gotArgs[5] != string(remediation.StatusNew) {
		t.Errorf("status arg = %v, want %q", gotArgs[5], remediation.StatusNew)
	}

	ids, ok := gotArgs[9].([]string)
	if !ok || len(ids) != 3 || ids[0] != "msg-001" {
		t.Errorf("message_ids arg = %v, want the three matched ids", gotArgs[9])
	}

	if metrics := cw.Metrics(); metrics["written"] != 1 {
		t.Errorf("written = %d, want 1", metrics["written"])
	}
}

func TestCaseWriterNilCase(t *testing.T) {
	cw := NewCaseWriter(newMockClient(&mockConn{}))

	if err := cw.WriteCase(nil); err == nil {
		t.Error("WriteCase(nil) should return an error")
	}
	if metrics := cw.Metrics(); metrics["written"] != 0 {
		t.Errorf("written = %d, want 0", metrics["written"])
	}
}

func TestCaseWriterExecError(t *testing.T) {
	conn := &mockConn{
		execFunc: func(_ context.Context, _ string, _ ...any) error {
			return fmt.Errorf("connection refused")
		},
	}
	cw := NewCaseWriter(newMockClient(conn))

	if err := cw.WriteCase(newStoredCase()); err == nil {
		t.Error("WriteCase() should surface the exec error")
	}
	metrics := cw.Metrics()
	if metrics["failed"] != 1 {
		t.Errorf("failed = %d, want 1", metrics["failed"])
	}
	if metrics["written"] != 0 {
		t.Errorf("written = %d, want 0", metrics["written"])
	}
}

func TestCaseWriterWritesUpdates(t *testing.T) {
	var writes int
	conn := &mockConn{
		execFunc: func(_ context.Context, _ string, _ ...any) error {
			writes++
			return nil
		},
	}
	cw := NewCaseWriter(newMockClient(conn))

	c := newStoredCase()
	if err := cw.WriteCase(c); err != nil {
		t.Fatalf("WriteCase() error = %v", err)
	}

	// A status change writes the same case id again; the table keeps the
	// newest row per id.
	c.Status = remediation.StatusActioned
	c.UpdatedAt = c.UpdatedAt.Add(time.Second)
	if err := cw.WriteCase(c); err != nil {
		t.Fatalf("WriteCase() update error = %v", err)
	}

	if writes != 2 {
		t.Errorf("writes = %d, want 2", writes)
	}
	if metrics := cw.Metrics(); metrics["written"] != 2 {
		t.Errorf("written = %d, want 2", metrics["written"])
	}
}

func TestCaseWriterResolvedCase(t *testing.T) {
	var gotArgs []any
	conn := &mockConn{
		execFunc: func(_ context.Context, _ string, args ...any) error {
			gotArgs = args
			return nil
		},
	}
	cw := NewCaseWriter(newMockClient(conn))

	c := newStoredCase()
	resolved := time.Now().UTC()
	c.Status = remediation.StatusResolved
	c.ResolvedAt = &resolved
	c.ResolvedBy = "mod-007"

	if err := cw.WriteCase(c); err != nil {
		t.Fatalf("WriteCase() error = %v", err)
	}

	got, ok := gotArgs[20].(*time.Time)
	if !ok || got == nil || !got.Equal(resolved) {
		t.Errorf("resolved_at arg = %v, want %v", gotArgs[20], resolved)
	}
	if gotArgs[21] != "mod-007" {
		t.Errorf("resolved_by arg = %v, want mod-007", gotArgs[21])
	}
}
