package eval

import (
	"fmt"
	"sort"
	"strings"

	"authgrid.org/internal/graph"
)

// Strategy selects how conflicting candidate permissions are resolved. It is
// a decision-time parameter supplied with each evaluation, not a property of
// any permission.
type Strategy string

const (
	DenyOverrides   Strategy = "deny-overrides"
	GrantOverrides  Strategy = "grant-overrides"
	MostSpecific    Strategy = "most-specific"
	FirstApplicable Strategy = "first-applicable"
	Unanimous       Strategy = "unanimous"
	Consensus       Strategy = "consensus"
)

// ParseStrategy resolves a strategy name; empty selects the default.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DenyOverrides, nil
	case DenyOverrides:
		return DenyOverrides, nil
	case GrantOverrides:
		return GrantOverrides, nil
	case MostSpecific:
		return MostSpecific, nil
	case FirstApplicable:
		return FirstApplicable, nil
	case Unanimous:
		return Unanimous, nil
	case Consensus:
		return Consensus, nil
	}
	return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
}

// Source identifies which of the five collection paths produced a candidate.
// The order below is also the fixed evaluation order for FirstApplicable.
type Source string

const (
	SourceDirect      Source = "direct"
	SourceRole        Source = "role"
	SourceGroup       Source = "group"
	SourceConditional Source = "conditional"
	SourceDelegated   Source = "delegated"
)

var sourceRank = map[Source]int{
	SourceDirect:      0,
	SourceRole:        1,
	SourceGroup:       2,
	SourceConditional: 3,
	SourceDelegated:   4,
}

type candidate struct {
	perm      graph.Permission
	source    Source
	wildcards int
	params    map[string]string
}

// resolve applies the chosen strategy to the surviving candidates. The caller
// guarantees cands is non-empty; an empty set is handled fail-closed upstream.
func resolve(strategy Strategy, cands []candidate) (graph.Effect, []int64, string) {
	switch strategy {
	case GrantOverrides:
		if ids := idsWithEffect(cands, graph.EffectGrant); len(ids) > 0 {
			return graph.EffectGrant, ids, "grant overrides"
		}
		return graph.EffectDeny, idsWithEffect(cands, graph.EffectDeny), "no grant present"
	case MostSpecific:
		best := cands[0].wildcards
		for _, c := range cands[1:] {
			if c.wildcards < best {
				best = c.wildcards
			}
		}
		narrowed := cands[:0:0]
		for _, c := range cands {
			if c.wildcards == best {
				narrowed = append(narrowed, c)
			}
		}
		effect, ids, _ := resolve(DenyOverrides, narrowed)
		return effect, ids, fmt.Sprintf("most specific (%d wildcard segments), ties by deny-overrides", best)
	case FirstApplicable:
		ordered := append([]candidate(nil), cands...)
		sort.SliceStable(ordered, func(i, j int) bool {
			ri, rj := sourceRank[ordered[i].source], sourceRank[ordered[j].source]
			if ri != rj {
				return ri < rj
			}
			return ordered[i].perm.ID < ordered[j].perm.ID
		})
		first := ordered[0]
		return first.perm.Effect, []int64{first.perm.ID}, fmt.Sprintf("first applicable source: %s", first.source)
	case Unanimous:
		verdicts := sourceVerdicts(cands)
		for _, effect := range verdicts {
			if effect == graph.EffectDeny {
				return graph.EffectDeny, idsWithEffect(cands, graph.EffectDeny), "not unanimous"
			}
		}
		return graph.EffectGrant, idsWithEffect(cands, graph.EffectGrant), "all sources agree on grant"
	case Consensus:
		verdicts := sourceVerdicts(cands)
		grants := 0
		for _, effect := range verdicts {
			if effect == graph.EffectGrant {
				grants++
			}
		}
		if grants*2 > len(verdicts) {
			return graph.EffectGrant, idsWithEffect(cands, graph.EffectGrant), fmt.Sprintf("majority grant (%d/%d sources)", grants, len(verdicts))
		}
		return graph.EffectDeny, idsWithEffect(cands, graph.EffectDeny), fmt.Sprintf("no grant majority (%d/%d sources)", grants, len(verdicts))
	default: // DenyOverrides
		if ids := idsWithEffect(cands, graph.EffectDeny); len(ids) > 0 {
			return graph.EffectDeny, ids, "deny overrides"
		}
		return graph.EffectGrant, idsWithEffect(cands, graph.EffectGrant), "no deny present"
	}
}

// sourceVerdicts reduces candidates to one effect per contributing source,
// deny-overrides within a source.
func sourceVerdicts(cands []candidate) map[Source]graph.Effect {
	verdicts := make(map[Source]graph.Effect)
	for _, c := range cands {
		cur, seen := verdicts[c.source]
		if !seen || cur == graph.EffectGrant && c.perm.Effect == graph.EffectDeny {
			verdicts[c.source] = c.perm.Effect
		}
	}
	return verdicts
}

func idsWithEffect(cands []candidate, effect graph.Effect) []int64 {
	var ids []int64
	for _, c := range cands {
		if c.perm.Effect == effect {
			ids = append(ids, c.perm.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
