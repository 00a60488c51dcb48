package detection

import (
	"regexp"
	"sort"
	"strings"
)

// linkPattern detects an http(s) link anywhere in normalized content.
// It runs on normalized (case-folded) text, so "HTTPS://..." qualifies.
var linkPattern = regexp.MustCompile(`https?://\S+`)

// NormalizationConfig controls how raw message content is canonicalized
// before equality comparison. Trim and case-fold are the shipped contract;
// defanged-URL folding is an opt-in extension for stricter anti-evasion.
type NormalizationConfig struct {
	Trim       bool `yaml:"trim" json:"trim"`
	CaseFold   bool `yaml:"case_fold" json:"case_fold"`
	DefangURLs bool `yaml:"defang_urls" json:"defang_urls"`
}

// DefaultNormalizationConfig returns the default normalization rules.
func DefaultNormalizationConfig() NormalizationConfig {
	return NormalizationConfig{
		Trim:     true,
		CaseFold: true,
	}
}

// Normalizer canonicalizes message content for campaign comparison.
type Normalizer struct {
	cfg NormalizationConfig
}

// NewNormalizer creates a Normalizer with the given rules.
func NewNormalizer(cfg NormalizationConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize canonicalizes raw content. Equality of normalized content is
// what the matcher compares; two messages differing only by surrounding
// whitespace or letter case collapse to the same campaign content.
func (n *Normalizer) Normalize(content string) string {
	s := content
	if n.cfg.Trim {
		s = strings.TrimSpace(s)
	}
	if n.cfg.CaseFold {
		s = strings.ToLower(s)
	}
	if n.cfg.DefangURLs {
		s = refang(s)
	}
	return s
}

// refang folds common URL-defanging tricks back to plain URLs so that
// "hxxps://evil[.]example" compares equal to its undisguised form.
func refang(s string) string {
	s = strings.ReplaceAll(s, "hxxp://", "http://")
	s = strings.ReplaceAll(s, "hxxps://", "https://")
	s = strings.ReplaceAll(s, "[.]", ".")
	s = strings.ReplaceAll(s, "(.)", ".")
	return s
}

// ContainsLink reports whether normalized content carries a detectable link.
func ContainsLink(normalized string) bool {
	return linkPattern.MatchString(normalized)
}

// LinkDomains extracts the host part of every link in normalized content,
// in order of appearance, without duplicates.
func LinkDomains(normalized string) []string {
	matches := linkPattern.FindAllString(normalized, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	domains := make([]string, 0, len(matches))
	for _, m := range matches {
		d := domainOf(m)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains
}

// domainOf strips scheme, path, port and userinfo from a matched link.
func domainOf(link string) string {
	s := link
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, ".")
}

// FingerprintKey collapses attachment hashes into one canonical key:
// sorted, deduplicated, colon-joined. Empty when there are no hashes.
// Two messages with the same uploads in a different order compare equal.
func FingerprintKey(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}

	uniq := make([]string, 0, len(hashes))
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		uniq = append(uniq, h)
	}
	if len(uniq) == 0 {
		return ""
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ":")
}
