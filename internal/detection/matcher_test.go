package detection

import (
	"testing"
	"time"
)

func campaignEntries(contents, channels []string) []QualifyingMessage {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]QualifyingMessage, len(contents))
	for i := range contents {
		entries[i] = QualifyingMessage{
			MessageID:  string(rune('a' + i)),
			ChannelID:  channels[i],
			Content:    contents[i],
			HasLink:    true,
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return entries
}

func TestMatcherEvaluate(t *testing.T) {
	link := "https://scam.example/claim"

	testCases := []struct {
		name     string
		contents []string
		channels []string
		want     bool
	}{
		{
			name:     "three distinct channels same content",
			contents: []string{link, link, link},
			channels: []string{"c1", "c2", "c3"},
			want:     true,
		},
		{
			name:     "repeated channel",
			contents: []string{link, link, link},
			channels: []string{"c1", "c2", "c1"},
			want:     false,
		},
		{
			name:     "differing content",
			contents: []string{link, link, "https://other.example"},
			channels: []string{"c1", "c2", "c3"},
			want:     false,
		},
		{
			name:     "below threshold",
			contents: []string{link, link},
			channels: []string{"c1", "c2"},
			want:     false,
		},
		{
			name:     "single message",
			contents: []string{link},
			channels: []string{"c1"},
			want:     false,
		},
	}

	matcher := NewMatcher(3, true)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			basis, got := matcher.Evaluate(campaignEntries(tc.contents, tc.channels))
			if got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
			if got && basis != BasisContent {
				t.Errorf("basis = %v, want %v", basis, BasisContent)
			}
		})
	}
}

func TestMatcherAttachmentBasis(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fp := "aabbccdd11223344"

	entries := make([]QualifyingMessage, 3)
	for i := range entries {
		entries[i] = QualifyingMessage{
			MessageID:   string(rune('a' + i)),
			ChannelID:   string(rune('x' + i)),
			Content:     "look at this",
			Fingerprint: fp,
			HasLink:     false,
			ObservedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}

	matcher := NewMatcher(3, true)
	basis, matched := matcher.Evaluate(entries)
	if !matched {
		t.Fatal("expected attachment fingerprint match")
	}
	if basis != BasisAttachment {
		t.Errorf("basis = %v, want %v", basis, BasisAttachment)
	}

	// Attachment matching off: the same entries no longer match.
	strict := NewMatcher(3, false)
	if _, matched := strict.Evaluate(entries); matched {
		t.Error("expected no match with attachment basis disabled")
	}
}

func TestMatcherEmptyFingerprints(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// No links, no attachments: identical empty fingerprints must not match.
	entries := make([]QualifyingMessage, 3)
	for i := range entries {
		entries[i] = QualifyingMessage{
			MessageID:  string(rune('a' + i)),
			ChannelID:  string(rune('x' + i)),
			Content:    "plain text",
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}

	matcher := NewMatcher(3, true)
	if _, matched := matcher.Evaluate(entries); matched {
		t.Error("expected no match on empty fingerprints")
	}
}

func TestMatcherMixedBasis(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	link := "https://scam.example/claim"
	fp := "aabbccdd11223344"

	// Same link content and same fingerprint: content basis wins.
	entries := make([]QualifyingMessage, 3)
	for i := range entries {
		entries[i] = QualifyingMessage{
			MessageID:   string(rune('a' + i)),
			ChannelID:   string(rune('x' + i)),
			Content:     link,
			Fingerprint: fp,
			HasLink:     true,
			ObservedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}

	matcher := NewMatcher(3, true)
	basis, matched := matcher.Evaluate(entries)
	if !matched {
		t.Fatal("expected match")
	}
	if basis != BasisContent {
		t.Errorf("basis = %v, want %v", basis, BasisContent)
	}
}
