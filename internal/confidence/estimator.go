// Package confidence implements the heurist confidence estimator.
//
// Young heuristics track a plain cumulative average of validation outcomes;
// once they accumulate min_applications events they switch to an exponential
// moving average whose alpha shrinks as history grows, so mature heuristics
// resist single-event swings. A per-heuristic daily update cap bounds
// adversarial manipulation of the estimator.
package confidence

import (
	"math"
	"time"

	"heurist/internal/config"
	"heurist/internal/logging"
	"heurist/internal/store"
	"heurist/internal/types"
)

// Estimator updates heuristic confidence from validation/violation events.
type Estimator struct {
	store   *store.Store
	cfg     config.ConfidenceConfig
	retries int
	now     func() time.Time // injectable for tests
}

// NewEstimator wires an estimator against the store.
func NewEstimator(s *store.Store, cfg config.ConfidenceConfig, updateRetries int) *Estimator {
	if updateRetries < 1 {
		updateRetries = 3
	}
	return &Estimator{
		store:   s,
		cfg:     cfg,
		retries: updateRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source (tests only).
func (e *Estimator) SetClock(now func() time.Time) {
	e.now = now
}

// Record applies one outcome to a heuristic and persists the result.
// Concurrent writers to the same row are resolved by optimistic retry;
// exhausting retries surfaces a ConcurrentUpdate error. Once admitted past
// the rate limit the write runs to completion or explicit failure.
func (e *Estimator) Record(id int64, outcome types.Outcome, evidence, requestID string) (*store.Heuristic, error) {
	timer := logging.StartTimer(logging.CategoryConfidence, "Estimator.Record")
	defer timer.Stop()

	if !outcome.Valid() {
		return nil, types.Ef(types.KindValidation, "confidence.Record",
			"unknown outcome %q", outcome)
	}

	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		h, err := e.store.GetHeuristic(id)
		if err != nil {
			return nil, err
		}

		if h.IsQuarantined {
			return nil, types.Ef(types.KindQuarantined, "confidence.Record",
				"heuristic %d is quarantined pending review", id)
		}

		prior := h.Confidence
		if err := e.apply(h, outcome); err != nil {
			return nil, err
		}

		if err := e.store.UpdateHeuristic(h); err != nil {
			if types.IsConcurrentUpdate(err) {
				lastErr = err
				logging.ConfidenceDebug("Retry %d for heuristic %d after version conflict", attempt+1, id)
				continue
			}
			return nil, err
		}

		if err := e.store.RecordEvent(&store.ConfidenceEvent{
			HeuristicID:     id,
			Outcome:         outcome,
			PriorConfidence: prior,
			NewConfidence:   h.Confidence,
			Evidence:        evidence,
			RequestID:       requestID,
		}); err != nil {
			// Journal failure does not invalidate the accepted update.
			logging.Get(logging.CategoryConfidence).Warn("Journal write failed for heuristic %d: %v", id, err)
		}

		logging.Confidence("Heuristic %d: %s, confidence %.4f -> %.4f (apps=%d)",
			id, outcome, prior, h.Confidence, h.Applications())
		return h, nil
	}

	return nil, types.E(types.KindConcurrentUpdate, "confidence.Record", lastErr)
}

// apply mutates h in memory with the outcome. All scoring math lives here so
// tests can drive update sequences without a store.
func (e *Estimator) apply(h *store.Heuristic, outcome types.Outcome) error {
	now := e.now()
	today := now.Format("2006-01-02")

	// Daily cap, reset at UTC midnight.
	if h.UpdateResetDate != today {
		h.UpdateCountToday = 0
		h.UpdateResetDate = today
	}
	if h.UpdateCountToday >= e.cfg.DailyUpdateCap {
		return types.Ef(types.KindRateLimited, "confidence.Record",
			"heuristic %d hit daily update cap (%d)", h.ID, e.cfg.DailyUpdateCap)
	}
	h.UpdateCountToday++

	priorApps := h.Applications()

	switch outcome {
	case types.OutcomeValidated:
		h.TimesValidated++
	case types.OutcomeViolated:
		h.TimesViolated++
	}
	apps := h.Applications()

	if priorApps < e.cfg.MinApplications {
		// Warmup: plain cumulative average, no EMA yet.
		h.Confidence = round4(float64(h.TimesValidated) / float64(apps))
		h.ConfidenceEMA = h.Confidence
		h.EMAAlpha = 1.0 / float64(apps)
		if h.EMAWarmupRemaining > 0 {
			h.EMAWarmupRemaining--
		}
	} else {
		// Exponential smoothing with adaptive alpha.
		signal := 0.0
		if outcome == types.OutcomeValidated {
			signal = 1.0
		}
		alpha := math.Max(e.cfg.MinAlpha, 1.0/float64(apps))
		h.ConfidenceEMA = alpha*signal + (1-alpha)*h.ConfidenceEMA
		h.EMAAlpha = alpha
		h.Confidence = round4(clamp01(h.ConfidenceEMA))
	}

	t := now
	h.LastEMAUpdate = &t
	h.LastUsedAt = now
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
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
