package engine

import (
	"math"
	"time"

	"github.com/nelsen3000/nova-memory/pkg/types"
)

// ScoringParams bundles the retrieval scoring knobs so scoring functions
// stay pure and testable.
type ScoringParams struct {
	RecencyHalfLifeDays float64
	FrequencyFactor     float64
}

// RecencyWeight computes the freshness multiplier for a fragment last
// touched at the given time. Weight halves every half-life period:
// exp(-ln2 * ageDays / halfLife). A fragment touched now scores 1.0.
func RecencyWeight(lastAccess time.Time, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1.0
	}
	ageDays := now.Sub(lastAccess).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// FrequencyWeight rewards fragments that keep proving useful. The
// logarithm keeps heavily accessed fragments from dominating every
// query: 1 + ln(1+accessCount) * factor.
func FrequencyWeight(accessCount int, factor float64) float64 {
	if accessCount <= 0 || factor <= 0 {
		return 1.0
	}
	return 1.0 + math.Log(1.0+float64(accessCount))*factor
}

// CompositeScore combines cosine similarity with recency and frequency
// weights. Similarity is clamped to [0,1] first so near-antipodal
// vectors cannot produce negative scores.
func CompositeScore(fr *types.Fragment, similarity float64, now time.Time, params ScoringParams) float64 {
	if similarity < 0 {
		similarity = 0
	} else if similarity > 1 {
		similarity = 1
	}

	return similarity *
		RecencyWeight(fr.AccessRef(), now, params.RecencyHalfLifeDays) *
		FrequencyWeight(fr.AccessCount, params.FrequencyFactor)
}

// DecayRelevance applies exponential time decay to a relevance score:
// r * exp(-rate * elapsedDays). Scores never decay below zero.
func DecayRelevance(relevance float64, elapsedDays float64, rate float64) float64 {
	if rate <= 0 || elapsedDays <= 0 {
		return relevance
	}
	decayed := relevance * math.Exp(-rate*elapsedDays)
	if decayed < 0 {
		return 0
	}
	return decayed
}

// EstimateTokens approximates the token count of a piece of content.
// The heuristic is one token per four characters, rounded up, which
// tracks typical English tokenizer output closely enough for budgeting.
func EstimateTokens(content string) int {
	n := len([]rune(content))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
