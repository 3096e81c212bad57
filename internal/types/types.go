// Package types provides shared type definitions used across heurist packages.
// This package exists to break import cycles between the store, the lifecycle
// manager, and the engine facade. Types here are foundational data structures
// with no complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a heuristic. Golden and quarantined are
// layered as flags over "active" in the store; Status tracks the base state.
type Status string

const (
	StatusActive      Status = "active"
	StatusDormant     Status = "dormant"
	StatusQuarantined Status = "quarantined"
)

// Outcome is the result of applying a heuristic, reported by the learning loop.
type Outcome string

const (
	OutcomeValidated Outcome = "validated"
	OutcomeViolated  Outcome = "violated"
)

// Valid reports whether the outcome is one of the two accepted values.
func (o Outcome) Valid() bool {
	return o == OutcomeValidated || o == OutcomeViolated
}

// Classification is the fraud verdict for a heuristic.
type Classification string

const (
	ClassificationClean      Classification = "clean"
	ClassificationSuspicious Classification = "suspicious"
	ClassificationFraudulent Classification = "fraudulent"
)

// Severity grades an individual anomaly signal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ReviewOutcome is the human verdict on a fraud report.
type ReviewOutcome string

const (
	ReviewPending   ReviewOutcome = "pending"
	ReviewCleared   ReviewOutcome = "cleared"
	ReviewConfirmed ReviewOutcome = "confirmed"
)

// DomainState tracks whether a domain is within its soft limit.
type DomainState string

const (
	DomainNormal   DomainState = "normal"
	DomainOverflow DomainState = "overflow"
)

// ActionResult is returned by every mutating engine operation. RequestID
// correlates the action across log categories and the event journal.
type ActionResult struct {
	RequestID   string    `json:"request_id"`
	HeuristicID int64     `json:"heuristic_id,omitempty"`
	Applied     bool      `json:"applied"`
	Message     string    `json:"message,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewActionResult creates a result with a fresh correlation ID.
func NewActionResult(heuristicID int64) *ActionResult {
	return &ActionResult{
		RequestID:   uuid.NewString(),
		HeuristicID: heuristicID,
		Timestamp:   time.Now().UTC(),
	}
}
