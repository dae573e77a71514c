package services

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/council"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

const (
	// DefaultFuzzyThreshold is the minimum similarity a fuzzy candidate must
	// reach before it is accepted.
	DefaultFuzzyThreshold = 0.75

	// tokenThreshold is the per-token similarity under which two tokens are
	// considered different words.
	tokenThreshold = 0.8
)

// MatchAmbiguityError reports a fuzzy tie. The row is routed to manual
// review; ties are never guessed.
type MatchAmbiguityError struct {
	Input      string
	Candidates []string
	Score      float64
}

func (e *MatchAmbiguityError) Error() string {
	return fmt.Sprintf("council %q matches %d candidates equally (score %.2f)", e.Input, len(e.Candidates), e.Score)
}

// MatchResult is the outcome of resolving one row's council text.
// Confidence is set for fuzzy matches only; Reason explains an unresolved
// outcome in operator terms.
type MatchResult struct {
	Type       stagingrow.MatchType
	CouncilID  uuid.UUID
	Confidence float64
	Reason     string
}

// CouncilMatcher resolves free-text council names against the canonical
// hierarchy: exact name first, then registered aliases, then fuzzy
// similarity, in strict precedence order. District and region cells scope
// the search when they resolve unambiguously.
type CouncilMatcher struct {
	hierarchy *council.Hierarchy
	threshold float64
	tokens    map[uuid.UUID][]string
}

func NewCouncilMatcher(h *council.Hierarchy, threshold float64) *CouncilMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	tokens := make(map[uuid.UUID][]string, len(h.Councils()))
	for _, c := range h.Councils() {
		tokens[c.ID] = council.Tokens(c.Name)
	}
	return &CouncilMatcher{hierarchy: h, threshold: threshold, tokens: tokens}
}

// Match resolves rawCouncil using the district and region cells as hints.
// The returned error is only ever a *MatchAmbiguityError and is informational:
// the result is already unresolved when it is set.
func (m *CouncilMatcher) Match(rawCouncil, rawDistrict, rawRegion string) (MatchResult, error) {
	unresolved := MatchResult{Type: stagingrow.MatchNone}

	if council.Normalize(rawCouncil) == "" {
		unresolved.Reason = "council text is empty"
		return unresolved, nil
	}
	if m.hierarchy.Empty() {
		unresolved.Reason = "council hierarchy is not loaded"
		return unresolved, nil
	}

	district, scoped := m.resolveDistrict(rawDistrict, rawRegion)

	if res, ok, reason := m.matchExact(rawCouncil, district, scoped); ok {
		return res, nil
	} else if reason != "" {
		unresolved.Reason = reason
		return unresolved, nil
	}

	if c, ok := m.hierarchy.AliasedCouncil(rawCouncil); ok {
		return MatchResult{Type: stagingrow.MatchAlias, CouncilID: c.ID}, nil
	}

	return m.matchFuzzy(rawCouncil, district, scoped)
}

// resolveDistrict turns the row's district cell into a concrete district.
// A name shared by several districts is disambiguated through the region
// cell; when that fails the hint is dropped rather than guessed.
func (m *CouncilMatcher) resolveDistrict(rawDistrict, rawRegion string) (council.District, bool) {
	if council.Normalize(rawDistrict) == "" {
		return council.District{}, false
	}
	districts := m.hierarchy.DistrictsNamed(rawDistrict)
	switch len(districts) {
	case 0:
		return council.District{}, false
	case 1:
		return districts[0], true
	}

	regionKey := council.Normalize(rawRegion)
	if regionKey == "" {
		return council.District{}, false
	}
	var (
		found council.District
		hits  int
	)
	for _, d := range districts {
		r, ok := m.hierarchy.RegionByID(d.RegionID)
		if ok && council.Normalize(r.Name) == regionKey {
			found = d
			hits++
		}
	}
	if hits == 1 {
		return found, true
	}
	return council.District{}, false
}

// matchExact reports (result, matched, reason). A non-empty reason means the
// name itself is ambiguous and the row must not fall through to later
// strategies.
func (m *CouncilMatcher) matchExact(rawCouncil string, district council.District, scoped bool) (MatchResult, bool, string) {
	candidates := m.hierarchy.CouncilsNamed(rawCouncil)
	if len(candidates) == 0 {
		return MatchResult{}, false, ""
	}

	if scoped {
		for _, c := range candidates {
			if c.DistrictID == district.ID {
				return MatchResult{Type: stagingrow.MatchExact, CouncilID: c.ID}, true, ""
			}
		}
	}
	if len(candidates) == 1 {
		return MatchResult{Type: stagingrow.MatchExact, CouncilID: candidates[0].ID}, true, ""
	}
	return MatchResult{}, false, fmt.Sprintf("several councils are named %q; map manually", rawCouncil)
}

func (m *CouncilMatcher) matchFuzzy(rawCouncil string, district council.District, scoped bool) (MatchResult, error) {
	input := council.Tokens(rawCouncil)

	candidates := m.hierarchy.Councils()
	if scoped {
		if in := m.hierarchy.CouncilsInDistrict(district.ID); len(in) > 0 {
			candidates = in
		}
	}

	var (
		best          council.Council
		bestScore     float64
		runnerUp      council.Council
		runnerUpScore float64
	)
	for _, c := range candidates {
		score := tokenSimilarity(input, m.tokens[c.ID])
		switch {
		case score > bestScore:
			runnerUp, runnerUpScore = best, bestScore
			best, bestScore = c, score
		case score > runnerUpScore:
			runnerUp, runnerUpScore = c, score
		}
	}

	unresolved := MatchResult{Type: stagingrow.MatchNone}
	if bestScore < m.threshold {
		unresolved.Reason = fmt.Sprintf("no council close enough to %q (best score %.2f)", rawCouncil, bestScore)
		return unresolved, nil
	}
	if bestScore == runnerUpScore {
		ambiguity := &MatchAmbiguityError{
			Input:      rawCouncil,
			Candidates: []string{best.Name, runnerUp.Name},
			Score:      bestScore,
		}
		unresolved.Reason = ambiguity.Error()
		return unresolved, ambiguity
	}
	return MatchResult{Type: stagingrow.MatchFuzzy, CouncilID: best.ID, Confidence: bestScore}, nil
}

// tokenSimilarity is a Dice coefficient over token multisets, with tokens
// compared by normalized Levenshtein distance so close misspellings still
// count as the same word.
func tokenSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	used := make([]bool, len(b))
	matched := 0
	for _, ta := range a {
		for j, tb := range b {
			if used[j] {
				continue
			}
			if tokensEqual(ta, tb) {
				used[j] = true
				matched++
				break
			}
		}
	}
	return 2 * float64(matched) / float64(len(a)+len(b))
}

func tokensEqual(a, b string) bool {
	if a == b {
		return true
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return false
	}
	distance := fuzzy.LevenshteinDistance(a, b)
	return 1-float64(distance)/float64(longest) >= tokenThreshold
}
