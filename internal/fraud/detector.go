// Package fraud implements anomaly detection for heuristics.
//
// Detectors are independent units scoring one heuristic against its domain's
// statistical baseline. A detector that panics is isolated and skipped; it
// never blocks the validation path or the other detectors. A fraud report is
// produced only when at least one detector fires above its own alert
// threshold; the aggregate score is a deterministic, monotone combination of
// the individual signal scores.
package fraud

import (
	"heurist/internal/store"
)

// Sample is the evidence bundle handed to each detector.
type Sample struct {
	Heuristic *store.Heuristic
	Baseline  *store.DomainBaseline // nil when the domain has no baseline yet
	// Journal entries from the recent window, newest first.
	RecentEvents []store.ConfidenceEvent
	// Window covered by RecentEvents, in days.
	WindowDays float64
}

// Detector scores a heuristic against its domain baseline.
// Returning nil means the detector did not fire.
type Detector interface {
	Name() string
	Detect(sample Sample) *store.AnomalySignal
}
