package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankPrefersStrongerStats(t *testing.T) {
	candidates := []Candidate{
		{ID: "mch_weak", Rating: 2, Online: false, ResponseTimeMinutes: 90, CompletionRate: 0.4},
		{ID: "mch_strong", Rating: 4.8, Online: true, ResponseTimeMinutes: 5, CompletionRate: 0.97},
		{ID: "mch_mid", Rating: 3.5, Online: true, ResponseTimeMinutes: 40, CompletionRate: 0.8},
	}

	ranked := Rank(candidates, TierStandard)
	require.Len(t, ranked, 3)
	assert.Equal(t, "mch_strong", ranked[0].ID)
	assert.Equal(t, "mch_mid", ranked[1].ID)
	assert.Equal(t, "mch_weak", ranked[2].ID)
}

func TestRankIsDeterministic(t *testing.T) {
	candidates := []Candidate{
		{ID: "mch_a", Rating: 4, Online: true, ResponseTimeMinutes: 20, CompletionRate: 0.9},
		{ID: "mch_b", Rating: 4.5, Online: false, ResponseTimeMinutes: 10, CompletionRate: 0.85},
		{ID: "mch_c", Rating: 3, Online: true, ResponseTimeMinutes: 60, CompletionRate: 0.95},
	}

	first := Rank(candidates, TierPremium)
	for i := 0; i < 20; i++ {
		again := Rank(candidates, TierPremium)
		require.Equal(t, first, again, "ranking must be deterministic")
	}
}

func TestRankTieBreaksByResponseTimeThenID(t *testing.T) {
	// Identical except response time
	candidates := []Candidate{
		{ID: "mch_slow", Rating: 4, Online: true, ResponseTimeMinutes: 200, CompletionRate: 0.9},
		{ID: "mch_fast", Rating: 4, Online: true, ResponseTimeMinutes: 150, CompletionRate: 0.9},
	}
	// Both outside the standard window so response-time score is zero for both
	ranked := Rank(candidates, TierStandard)
	assert.Equal(t, "mch_fast", ranked[0].ID, "tie broken by lower response time")

	// Fully identical stats: ID order decides
	candidates = []Candidate{
		{ID: "mch_b", Rating: 4, Online: true, ResponseTimeMinutes: 150, CompletionRate: 0.9},
		{ID: "mch_a", Rating: 4, Online: true, ResponseTimeMinutes: 150, CompletionRate: 0.9},
	}
	ranked = Rank(candidates, TierStandard)
	assert.Equal(t, "mch_a", ranked[0].ID, "tie broken by ID order")
}

func TestPremiumTierWeightsRatingHigher(t *testing.T) {
	// High rating but slow vs mediocre rating but fast
	rated := Candidate{ID: "mch_rated", Rating: 5, Online: true, ResponseTimeMinutes: 45, CompletionRate: 0.8}
	fast := Candidate{ID: "mch_fast", Rating: 3, Online: true, ResponseTimeMinutes: 5, CompletionRate: 0.8}

	premium := Rank([]Candidate{rated, fast}, TierPremium)
	assert.Equal(t, "mch_rated", premium[0].ID, "premium prefers rating")
}

func TestPremiumResponseWindowIsNarrower(t *testing.T) {
	c := Candidate{ID: "mch_1", Rating: 0, Online: false, ResponseTimeMinutes: 45, CompletionRate: 0}

	standard := Rank([]Candidate{c}, TierStandard)
	premium := Rank([]Candidate{c}, TierPremium)

	// 45 minutes is within the standard window but outside premium's
	assert.Greater(t, standard[0].Score, 0.0)
	assert.Equal(t, 0.0, premium[0].Score)
}

func TestBestEmptyInput(t *testing.T) {
	_, ok := Best(nil, TierStandard)
	assert.False(t, ok)
}

func TestUnknownTierFallsBackToStandard(t *testing.T) {
	c := []Candidate{{ID: "mch_1", Rating: 4, Online: true, ResponseTimeMinutes: 10, CompletionRate: 0.9}}
	assert.Equal(t, Rank(c, TierStandard), Rank(c, Tier("unknown")))
}
