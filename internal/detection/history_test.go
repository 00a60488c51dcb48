package detection

import (
	"fmt"
	"testing"
	"time"
)

func qmsg(id, channel string, at time.Time) QualifyingMessage {
	return QualifyingMessage{
		MessageID:  id,
		ChannelID:  channel,
		Content:    "https://example.test",
		HasLink:    true,
		ObservedAt: at,
	}
}

func TestHistoryInsertOrdering(t *testing.T) {
	h := &userHistory{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h.insert(qmsg("c", "chan-1", base.Add(2*time.Minute)), 5)
	h.insert(qmsg("a", "chan-2", base), 5)
	h.insert(qmsg("b", "chan-3", base.Add(time.Minute)), 5)

	want := []string{"a", "b", "c"}
	if len(h.entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d", len(h.entries), len(want))
	}
	for i, id := range want {
		if h.entries[i].MessageID != id {
			t.Errorf("entries[%d] = %s, want %s", i, h.entries[i].MessageID, id)
		}
	}
}

func TestHistoryInsertDuplicate(t *testing.T) {
	h := &userHistory{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !h.insert(qmsg("m1", "chan-1", base), 3) {
		t.Fatal("first insert rejected")
	}
	if h.insert(qmsg("m1", "chan-2", base.Add(time.Minute)), 3) {
		t.Error("duplicate message id accepted")
	}
	if len(h.entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(h.entries))
	}
	if h.entries[0].ChannelID != "chan-1" {
		t.Error("duplicate insert mutated existing entry")
	}
}

func TestHistoryInsertCap(t *testing.T) {
	h := &userHistory{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h.insert(qmsg(fmt.Sprintf("m%d", i), "chan-1", base.Add(time.Duration(i)*time.Minute)), 3)
	}

	if len(h.entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(h.entries))
	}

	// Oldest entries are evicted first.
	want := []string{"m2", "m3", "m4"}
	for i, id := range want {
		if h.entries[i].MessageID != id {
			t.Errorf("entries[%d] = %s, want %s", i, h.entries[i].MessageID, id)
		}
	}
}

func TestHistoryEqualTimestamps(t *testing.T) {
	h := &userHistory{}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h.insert(qmsg("m1", "chan-1", at), 5)
	h.insert(qmsg("m2", "chan-2", at), 5)

	// Equal timestamps keep arrival order.
	if h.entries[0].MessageID != "m1" || h.entries[1].MessageID != "m2" {
		t.Errorf("entries = [%s %s], want [m1 m2]", h.entries[0].MessageID, h.entries[1].MessageID)
	}
}

func TestHistoryDropStale(t *testing.T) {
	h := &userHistory{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h.insert(qmsg("m1", "chan-1", base), 5)
	h.insert(qmsg("m2", "chan-2", base.Add(5*time.Minute)), 5)
	h.insert(qmsg("m3", "chan-3", base.Add(9*time.Minute)), 5)

	h.dropStale(base.Add(5 * time.Minute))

	// Entries at or after the cutoff survive.
	if len(h.entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(h.entries))
	}
	if h.entries[0].MessageID != "m2" {
		t.Errorf("entries[0] = %s, want m2", h.entries[0].MessageID)
	}
}

func TestHistorySnapshotIsolated(t *testing.T) {
	h := &userHistory{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h.insert(qmsg("m1", "chan-1", base), 5)
	snap := h.snapshot()
	h.insert(qmsg("m2", "chan-2", base.Add(time.Minute)), 5)

	if len(snap) != 1 {
		t.Errorf("snapshot len = %d, want 1", len(snap))
	}
}

func TestHistoryNewest(t *testing.T) {
	h := &userHistory{}
	if h.newest() != nil {
		t.Error("newest() on empty history, want nil")
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.insert(qmsg("m1", "chan-1", base), 5)
	h.insert(qmsg("m2", "chan-2", base.Add(time.Minute)), 5)

	if got := h.newest(); got == nil || got.MessageID != "m2" {
		t.Errorf("newest() = %v, want m2", got)
	}
}
