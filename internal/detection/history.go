package detection

import (
	"time"
)

// QualifyingMessage is one tracked message: a message that passed the
// link/attachment filter. The tracker stores only identifying values and
// the normalized content; the platform owns the message itself.
type QualifyingMessage struct {
	MessageID   string    `json:"message_id"`
	ChannelID   string    `json:"channel_id"`
	Content     string    `json:"content"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	HasLink     bool      `json:"has_link"`
	ObservedAt  time.Time `json:"observed_at"`
}

// userHistory is the per-user bounded record of recent qualifying messages.
// Entries are ordered by ObservedAt ascending, hold no duplicate message
// ids, and are capped at the campaign threshold. Mutation happens only
// under the owning shard's lock.
type userHistory struct {
	entries []QualifyingMessage
}

// insert adds a message in ObservedAt order and trims the oldest entries
// beyond limit. A message id already present is a redelivery: the history
// is left untouched and insert reports false.
func (h *userHistory) insert(msg QualifyingMessage, limit int) bool {
	for _, e := range h.entries {
		if e.MessageID == msg.MessageID {
			return false
		}
	}

	// Find the insertion point; relay clock skew can deliver slightly
	// out-of-order timestamps.
	pos := len(h.entries)
	for i := len(h.entries) - 1; i >= 0; i-- {
		if !h.entries[i].ObservedAt.After(msg.ObservedAt) {
			break
		}
		pos = i
	}

	h.entries = append(h.entries, QualifyingMessage{})
	copy(h.entries[pos+1:], h.entries[pos:])
	h.entries[pos] = msg

	if len(h.entries) > limit {
		h.entries = h.entries[len(h.entries)-limit:]
	}
	return true
}

// dropStale removes entries observed before the cutoff.
func (h *userHistory) dropStale(cutoff time.Time) {
	keep := h.entries[:0]
	for _, e := range h.entries {
		if !e.ObservedAt.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	h.entries = keep
}

// newest returns the ObservedAt of the most recent entry.
func (h *userHistory) newest() time.Time {
	if len(h.entries) == 0 {
		return time.Time{}
	}
	return h.entries[len(h.entries)-1].ObservedAt
}

// snapshot returns an immutable copy of the ordered entries.
func (h *userHistory) snapshot() []QualifyingMessage {
	out := make([]QualifyingMessage, len(h.entries))
	copy(out, h.entries)
	return out
}
