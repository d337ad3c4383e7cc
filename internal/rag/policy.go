package rag

import "strings"

// Mode controls how aggressively retrieval is used for a conversational
// turn.
type Mode string

const (
	// ModeHeavy retrieves the full configured top-K. The global default.
	ModeHeavy Mode = "heavy"

	// ModeLight halves the effective top-K (rounded, minimum 1).
	ModeLight Mode = "light"

	// ModeIgnore skips retrieval entirely; no embedding call is made.
	ModeIgnore Mode = "ignore"
)

// Valid reports whether m is a known RAG mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeHeavy, ModeLight, ModeIgnore:
		return true
	}
	return false
}

// Policy is the resolved retrieval policy for one turn.
type Policy struct {
	Mode       Mode
	TagFilters []string
}

// PolicyCandidate is one layer's contribution to the effective policy.
// Mode is a raw string because upstream layers are loosely typed; invalid
// values are discarded during resolution rather than raising.
type PolicyCandidate struct {
	Mode       string
	TagFilters []string
}

// EffectivePolicy resolves the RAG mode and tag filters by strict
// precedence: request > conversation > character > global default (heavy).
// Each candidate mode is validated against the enum and skipped when
// invalid. Tag lists are trimmed and empty-string-filtered; the first
// non-empty list in precedence order wins.
func EffectivePolicy(request, conversation, character PolicyCandidate) Policy {
	policy := Policy{Mode: ModeHeavy}

	for _, candidate := range []PolicyCandidate{character, conversation, request} {
		if m := Mode(strings.TrimSpace(candidate.Mode)); m.Valid() {
			policy.Mode = m
		}
	}
	for _, candidate := range []PolicyCandidate{request, conversation, character} {
		if tags := cleanTags(candidate.TagFilters); len(tags) > 0 {
			policy.TagFilters = tags
			break
		}
	}

	return policy
}

// cleanTags trims whitespace and drops empty entries.
func cleanTags(tags []string) []string {
	var cleaned []string
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
