package status

import "strings"

// Explanation describes how a raw text was normalized.
type Explanation struct {
	Status Status `json:"status"`
	Via    Via    `json:"via"`
	// Matched is the phrase that matched, empty for fallback results.
	Matched string `json:"matched,omitempty"`
	Raw     string `json:"raw"`
}

// Normalizer maps free-form status text onto the canonical vocabulary. It
// holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	rules *RuleSet
}

// NewNormalizer returns a normalizer over rules. A nil rule set means the
// built-in overrides and heuristics with no mapping keywords.
func NewNormalizer(rules *RuleSet) *Normalizer {
	if rules == nil {
		rules = NewRuleSet(nil)
	}
	return &Normalizer{rules: rules}
}

// Rules returns the rule set the normalizer evaluates.
func (n *Normalizer) Rules() *RuleSet {
	return n.rules
}

// Normalize returns the canonical status for raw. It never fails.
func (n *Normalizer) Normalize(raw string) Status {
	return n.Explain(raw).Status
}

// Explain normalizes raw and reports which tier and phrase decided the result.
func (n *Normalizer) Explain(raw string) Explanation {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return Explanation{Status: Pending, Via: ViaFallback, Raw: raw}
	}

	if r, ok := firstMatch(n.rules.overrides, text); ok {
		return Explanation{Status: r.Status, Via: ViaOverride, Matched: r.Phrase, Raw: raw}
	}
	if r, ok := firstMatch(n.rules.keywords, text); ok {
		return Explanation{Status: r.Status, Via: ViaMapping, Matched: r.Phrase, Raw: raw}
	}
	if r, ok := firstMatch(n.rules.heuristics, text); ok {
		return Explanation{Status: r.Status, Via: ViaHeuristic, Matched: r.Phrase, Raw: raw}
	}

	return Explanation{Status: n.rules.fallback, Via: ViaFallback, Raw: raw}
}

func firstMatch(rules []Rule, text string) (Rule, bool) {
	for _, r := range rules {
		if strings.Contains(text, r.Phrase) {
			return r, true
		}
	}
	return Rule{}, false
}
