package status

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Rule maps a lower-case phrase onto a canonical status. A rule matches when
// its phrase occurs anywhere in the normalized input.
type Rule struct {
	Phrase string `json:"phrase"`
	Status Status `json:"status"`
	// Source names the rule file that contributed the rule. Empty for
	// built-in rules.
	Source string `json:"source,omitempty"`
}

// RuleSet is the immutable set of rules used by a Normalizer. Tiers are
// evaluated in precedence order: overrides, then mapping keywords, then
// heuristics, then the fallback.
//
// Overrides and heuristics keep their declared order. Mapping keywords are
// ordered longest phrase first, with ties kept in load order, so that
// "pendiente por recoger" wins over "pendiente" regardless of which rule file
// declared it first.
type RuleSet struct {
	overrides  []Rule
	keywords   []Rule
	heuristics []Rule
	fallback   Status
	sources    []string
}

// DefaultOverrides returns the built-in override phrases.
func DefaultOverrides() []Rule {
	return []Rule{
		{Phrase: "envío pendiente por admitir", Status: Pending},
		{Phrase: "envio pendiente por admitir", Status: Pending},
		{Phrase: "pendiente por admitir", Status: Pending},
	}
}

// DefaultHeuristics returns the built-in heuristic keywords in evaluation
// order.
func DefaultHeuristics() []Rule {
	return []Rule{
		{Phrase: "entregado", Status: Delivered},
		{Phrase: "transito", Status: InTransit},
		{Phrase: "tránsito", Status: InTransit},
		{Phrase: "camino", Status: InTransit},
		{Phrase: "ruta", Status: InTransit},
		{Phrase: "centro", Status: InTransit},
		{Phrase: "pendiente", Status: Pending},
		{Phrase: "origen", Status: Pending},
		{Phrase: "recibimos", Status: InTransit},
		{Phrase: "devuelto", Status: Returned},
		{Phrase: "devolución", Status: Returned},
		{Phrase: "retorno", Status: Returned},
		{Phrase: "agencia", Status: AtAgency},
		{Phrase: "recoger", Status: AtAgency},
		{Phrase: "guia_generada", Status: LabelCreated},
		{Phrase: "guía generada", Status: LabelCreated},
		{Phrase: "preparado_para_transportadora", Status: LabelCreated},
		{Phrase: "preparado para transportadora", Status: LabelCreated},
	}
}

// NewRuleSet builds a rule set from mapping keywords using the built-in
// overrides and heuristics and the EN_TRANSITO fallback.
func NewRuleSet(keywords []Rule, sources ...string) *RuleSet {
	return NewCustomRuleSet(DefaultOverrides(), keywords, DefaultHeuristics(), InTransit, sources...)
}

// NewCustomRuleSet builds a rule set with every tier supplied by the caller.
// Phrases are trimmed and lower-cased; empty phrases and rules whose status is
// not canonical are dropped. A fallback that is not canonical becomes
// EN_TRANSITO. When a phrase appears twice in one tier the first position is
// kept and the later status wins.
func NewCustomRuleSet(overrides, keywords, heuristics []Rule, fallback Status, sources ...string) *RuleSet {
	if !fallback.IsCanonical() {
		fallback = InTransit
	}
	rs := &RuleSet{
		overrides:  compileTier(overrides),
		keywords:   compileTier(keywords),
		heuristics: compileTier(heuristics),
		fallback:   fallback,
		sources:    append([]string(nil), sources...),
	}
	sort.SliceStable(rs.keywords, func(i, j int) bool {
		return utf8.RuneCountInString(rs.keywords[i].Phrase) > utf8.RuneCountInString(rs.keywords[j].Phrase)
	})
	return rs
}

func compileTier(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	index := make(map[string]int, len(rules))
	for _, r := range rules {
		phrase := strings.ToLower(strings.TrimSpace(r.Phrase))
		if phrase == "" || !r.Status.IsCanonical() {
			continue
		}
		r.Phrase = phrase
		if i, ok := index[phrase]; ok {
			out[i].Status = r.Status
			out[i].Source = r.Source
			continue
		}
		index[phrase] = len(out)
		out = append(out, r)
	}
	return out
}

// Overrides returns a copy of the override tier in evaluation order.
func (r *RuleSet) Overrides() []Rule { return append([]Rule(nil), r.overrides...) }

// Keywords returns a copy of the mapping tier in evaluation order.
func (r *RuleSet) Keywords() []Rule { return append([]Rule(nil), r.keywords...) }

// Heuristics returns a copy of the heuristic tier in evaluation order.
func (r *RuleSet) Heuristics() []Rule { return append([]Rule(nil), r.heuristics...) }

// Fallback returns the status used when nothing matches.
func (r *RuleSet) Fallback() Status { return r.fallback }

// Sources returns the rule files the set was loaded from, in load order.
func (r *RuleSet) Sources() []string { return append([]string(nil), r.sources...) }

// Overlap describes a phrase that contains another phrase of the same tier.
type Overlap struct {
	Tier    Via
	Longer  Rule
	Shorter Rule
}

// Overlaps lists pairs of phrases in the same tier where one contains the
// other and the two map to different statuses. Those are the pairs whose
// outcome depends on evaluation order.
func (r *RuleSet) Overlaps() []Overlap {
	var out []Overlap
	tiers := []struct {
		via   Via
		rules []Rule
	}{
		{ViaOverride, r.overrides},
		{ViaMapping, r.keywords},
		{ViaHeuristic, r.heuristics},
	}
	for _, tier := range tiers {
		for i, a := range tier.rules {
			for j, b := range tier.rules {
				if i == j || a.Status == b.Status || len(a.Phrase) <= len(b.Phrase) {
					continue
				}
				if strings.Contains(a.Phrase, b.Phrase) {
					out = append(out, Overlap{Tier: tier.via, Longer: a, Shorter: b})
				}
			}
		}
	}
	return out
}

// Count returns the number of rules per tier.
func (r *RuleSet) Count() map[Via]int {
	return map[Via]int{
		ViaOverride:  len(r.overrides),
		ViaMapping:   len(r.keywords),
		ViaHeuristic: len(r.heuristics),
	}
}
