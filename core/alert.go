package core

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	// AlertStatusNew indicates an alert that hasn't been reviewed.
	AlertStatusNew AlertStatus = "new"
	// AlertStatusAcknowledged indicates an alert an operator has taken ownership of.
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusResolved is terminal: the underlying activity was handled.
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusFalsePositive is terminal: the alert was judged benign.
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// String returns the string representation.
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known alert status.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFalsePositive:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the status counts against the one-open-alert-per-entity
// invariant.
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusNew || s == AlertStatusAcknowledged
}

// Alert aggregates all qualifying scored events for one entity while it
// remains open. Once resolved or marked false positive it is never reopened;
// a later qualifying score creates a fresh alert.
type Alert struct {
	ID        string      `json:"id"`
	Entity    string      `json:"entity"`
	FirstSeen time.Time   `json:"first_seen"`
	LastSeen  time.Time   `json:"last_seen"`
	Status    AlertStatus `json:"status"`
	Severity  string      `json:"severity"`
	PeakScore float64     `json:"peak_score"`
	EventIDs  []string    `json:"event_ids"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewAlert creates a NEW alert for an entity from its first qualifying score.
func NewAlert(score *ThreatScore) *Alert {
	return &Alert{
		ID:        uuid.New().String(),
		Entity:    score.Entity,
		FirstSeen: score.Timestamp,
		LastSeen:  score.Timestamp,
		Status:    AlertStatusNew,
		Severity:  SeverityFromScore(score.CombinedScore),
		PeakScore: score.CombinedScore,
		EventIDs:  []string{score.EventID},
		UpdatedAt: time.Now().UTC(),
	}
}

// maxEventIDs caps the member event list so a long-lived noisy entity cannot
// grow an alert without bound. Oldest references are evicted first.
const maxEventIDs = 1000

// Absorb folds a subsequent qualifying score into an open alert.
func (a *Alert) Absorb(score *ThreatScore) {
	if score.Timestamp.After(a.LastSeen) {
		a.LastSeen = score.Timestamp
	}
	if score.CombinedScore > a.PeakScore {
		a.PeakScore = score.CombinedScore
		a.Severity = SeverityFromScore(a.PeakScore)
	}
	a.EventIDs = append(a.EventIDs, score.EventID)
	if len(a.EventIDs) > maxEventIDs {
		a.EventIDs = a.EventIDs[len(a.EventIDs)-maxEventIDs:]
	}
	a.UpdatedAt = time.Now().UTC()
}
