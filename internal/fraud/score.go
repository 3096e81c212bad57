package fraud

import (
	"heurist/internal/config"
	"heurist/internal/store"
	"heurist/internal/types"
)

// Aggregate folds anomaly signals into a single fraud score in [0,1].
// The score is the strongest signal plus half the sum of every other
// signal at medium severity or above. Adding a signal can never lower
// the result, so co-occurring anomalies compound instead of averaging
// each other away.
func Aggregate(signals []store.AnomalySignal) float64 {
	if len(signals) == 0 {
		return 0
	}

	maxScore := 0.0
	maxIdx := -1
	for i, sig := range signals {
		if sig.Score > maxScore {
			maxScore = sig.Score
			maxIdx = i
		}
	}

	score := maxScore
	for i, sig := range signals {
		if i == maxIdx || sig.Severity == types.SeverityLow {
			continue
		}
		score += 0.5 * sig.Score
	}
	return clamp01(score)
}

// LikelihoodRatio estimates how much more likely the observed signals are
// under tampering than under organic use. Each signal contributes a factor
// scaled by its score; no signals means even odds.
func LikelihoodRatio(signals []store.AnomalySignal) float64 {
	lr := 1.0
	for _, sig := range signals {
		// A saturated signal is ~10x more likely under fraud; weaker
		// signals interpolate down toward neutral.
		lr *= 1.0 + 9.0*sig.Score
	}
	return lr
}

// Classify maps a fraud score onto the three-way verdict using the
// configured thresholds. Scores exactly at a threshold take the milder
// classification.
func Classify(score float64, cfg config.FraudConfig) types.Classification {
	switch {
	case score > cfg.FraudulentThreshold:
		return types.ClassificationFraudulent
	case score >= cfg.SuspiciousThreshold:
		return types.ClassificationSuspicious
	default:
		return types.ClassificationClean
	}
}
