// Package anchor implements the anchor-text distribution engine: a
// deterministic allocator that keeps the cumulative anchor mix of a link
// tier tracking a target profile, so no category ever over-concentrates.
package anchor

// Type is an anchor-text category. Enumeration order is the tie-break
// order for the allocator, from safest to riskiest.
type Type string

const (
	TypeBranded      Type = "branded"
	TypeNaked        Type = "naked"
	TypeGeneric      Type = "generic"
	TypePartialMatch Type = "partial_match"
	TypeExactMatch   Type = "exact_match"
)

// Types lists all categories in tie-break order
var Types = []Type{TypeBranded, TypeNaked, TypeGeneric, TypePartialMatch, TypeExactMatch}

// RiskLevel adjusts the Tier 1 target profile
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskBalanced     RiskLevel = "balanced"
	RiskBoost        RiskLevel = "boost"
)

// Distribution maps anchor categories to target shares summing to 1.0
type Distribution map[Type]float64

// Tier target profiles. Tier 1 points at the money site and skews hard
// toward non-manipulative anchors; Tier 3 is the disposable layer and
// carries no keyword anchors at all.
var (
	tier1Balanced = Distribution{
		TypeBranded:      0.60,
		TypeNaked:        0.25,
		TypeGeneric:      0.10,
		TypePartialMatch: 0.04,
		TypeExactMatch:   0.01,
	}
	tier1Conservative = Distribution{
		TypeBranded:      0.80,
		TypeNaked:        0.15,
		TypeGeneric:      0.05,
		TypePartialMatch: 0,
		TypeExactMatch:   0,
	}
	tier1Boost = Distribution{
		TypeBranded:      0.40,
		TypeNaked:        0.20,
		TypeGeneric:      0.10,
		TypePartialMatch: 0.20,
		TypeExactMatch:   0.10,
	}
	tier2 = Distribution{
		TypeBranded:      0.40,
		TypeNaked:        0.20,
		TypeGeneric:      0.20,
		TypePartialMatch: 0.15,
		TypeExactMatch:   0.05,
	}
	tier3 = Distribution{
		TypeBranded:      0,
		TypeNaked:        0.30,
		TypeGeneric:      0.70,
		TypePartialMatch: 0,
		TypeExactMatch:   0,
	}
)

// TargetsFor returns the target distribution for a tier and risk level.
// Risk level only adjusts Tier 1.
func TargetsFor(tier int, risk RiskLevel) Distribution {
	switch tier {
	case 2:
		return tier2
	case 3:
		return tier3
	default:
		switch risk {
		case RiskConservative:
			return tier1Conservative
		case RiskBoost:
			return tier1Boost
		default:
			return tier1Balanced
		}
	}
}

// Next picks the category whose current share falls furthest below target,
// given the existing link counts for the tier. Fully deterministic: the
// same counts always yield the same category, and ties break in Types
// order. An empty tier bootstraps with branded, the safest choice.
func Next(counts map[Type]int, tier int, risk RiskLevel) Type {
	targets := TargetsFor(tier, risk)

	total := 0
	for _, t := range Types {
		total += counts[t]
	}
	if total == 0 {
		return TypeBranded
	}

	best := TypeBranded
	bestGap := -2.0
	for _, t := range Types {
		share := float64(counts[t]) / float64(total)
		gap := targets[t] - share
		if gap > bestGap {
			best = t
			bestGap = gap
		}
	}

	return best
}

// ParseType maps a stored anchor-type string onto a Type, defaulting to
// branded for anything unrecognised
func ParseType(s string) Type {
	for _, t := range Types {
		if string(t) == s {
			return t
		}
	}
	return TypeBranded
}

// ParseRisk maps a stored risk-level string onto a RiskLevel
func ParseRisk(s string) RiskLevel {
	switch RiskLevel(s) {
	case RiskConservative:
		return RiskConservative
	case RiskBoost:
		return RiskBoost
	default:
		return RiskBalanced
	}
}
