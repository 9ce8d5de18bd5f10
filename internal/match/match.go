// Package match ranks counterparty candidates for auto-match flows.
// Ranking is a pure function of candidate stats: identical inputs always
// produce identical output order.
package match

import (
	"sort"

	"github.com/peervault/peervault/internal/merchants"
)

// Tier selects the scoring weights. Premium weights rating higher and
// expects faster responses.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Candidate is a scoring input derived from a merchant profile.
type Candidate struct {
	ID                  string
	Rating              float64 // 0-5
	Online              bool
	ResponseTimeMinutes int
	CompletionRate      float64 // 0-1
}

// Scored pairs a candidate with its computed score.
type Scored struct {
	Candidate
	Score float64
}

type weights struct {
	rating         float64
	online         float64
	responseTime   float64
	completionRate float64
	// responseWindow is the response time (minutes) beyond which the
	// response-time component scores zero.
	responseWindow float64
}

var tierWeights = map[Tier]weights{
	TierStandard: {rating: 0.35, online: 0.20, responseTime: 0.20, completionRate: 0.25, responseWindow: 120},
	TierPremium:  {rating: 0.50, online: 0.15, responseTime: 0.20, completionRate: 0.15, responseWindow: 30},
}

// FromMerchant converts a directory profile into a scoring candidate.
func FromMerchant(m *merchants.Merchant) Candidate {
	return Candidate{
		ID:                  m.ID,
		Rating:              m.Rating,
		Online:              m.Online,
		ResponseTimeMinutes: m.ResponseTimeMinutes,
		CompletionRate:      m.CompletionRate,
	}
}

// Rank orders candidates best-first by weighted score. Ties are broken
// by lowest response time, then by ID for a stable total order.
func Rank(candidates []Candidate, tier Tier) []Scored {
	w, ok := tierWeights[tier]
	if !ok {
		w = tierWeights[TierStandard]
	}

	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Scored{Candidate: c, Score: score(c, w)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].ResponseTimeMinutes != scored[j].ResponseTimeMinutes {
			return scored[i].ResponseTimeMinutes < scored[j].ResponseTimeMinutes
		}
		return scored[i].ID < scored[j].ID
	})
	return scored
}

// Best returns the top-ranked candidate, or false if none qualify.
func Best(candidates []Candidate, tier Tier) (Scored, bool) {
	ranked := Rank(candidates, tier)
	if len(ranked) == 0 {
		return Scored{}, false
	}
	return ranked[0], true
}

func score(c Candidate, w weights) float64 {
	s := w.rating * clamp01(c.Rating/5)

	if c.Online {
		s += w.online
	}

	// Response time scores linearly from 1 (instant) down to 0 at the window edge.
	rt := float64(c.ResponseTimeMinutes)
	if rt < w.responseWindow {
		s += w.responseTime * (1 - rt/w.responseWindow)
	}

	s += w.completionRate * clamp01(c.CompletionRate)
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
