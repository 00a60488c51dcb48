package detection

// MatchBasis names which predicate branch produced a verdict.
type MatchBasis string

const (
	// BasisContent: identical normalized link content across distinct channels.
	BasisContent MatchBasis = "content"
	// BasisAttachment: identical attachment fingerprints across distinct channels.
	BasisAttachment MatchBasis = "attachment"
)

// Matcher evaluates the campaign predicate over a history snapshot.
// The tracker caps history at exactly the threshold, so the matcher is a
// fixed-size predicate over the latest window, never a search.
type Matcher struct {
	threshold        int
	matchAttachments bool
}

// NewMatcher creates a Matcher for the given threshold.
func NewMatcher(threshold int, matchAttachments bool) *Matcher {
	return &Matcher{
		threshold:        threshold,
		matchAttachments: matchAttachments,
	}
}

// Evaluate decides whether the snapshot constitutes a campaign.
// It fires iff the snapshot holds exactly threshold entries, all channels
// are pairwise distinct, and the entries agree on content (every entry a
// link message with byte-identical normalized content) or on attachments
// (every entry carrying the same non-empty fingerprint set).
func (m *Matcher) Evaluate(snapshot []QualifyingMessage) (MatchBasis, bool) {
	if len(snapshot) != m.threshold {
		return "", false
	}

	channels := make(map[string]bool, len(snapshot))
	for _, msg := range snapshot {
		if channels[msg.ChannelID] {
			return "", false
		}
		channels[msg.ChannelID] = true
	}

	if m.sameLinkContent(snapshot) {
		return BasisContent, true
	}
	if m.matchAttachments && m.sameFingerprints(snapshot) {
		return BasisAttachment, true
	}
	return "", false
}

func (m *Matcher) sameLinkContent(snapshot []QualifyingMessage) bool {
	first := snapshot[0]
	if !first.HasLink {
		return false
	}
	for _, msg := range snapshot[1:] {
		if !msg.HasLink || msg.Content != first.Content {
			return false
		}
	}
	return true
}

func (m *Matcher) sameFingerprints(snapshot []QualifyingMessage) bool {
	first := snapshot[0].Fingerprint
	if first == "" {
		return false
	}
	for _, msg := range snapshot[1:] {
		if msg.Fingerprint != first {
			return false
		}
	}
	return true
}
