// Package broadcast relays proctoring events from active sessions to
// monitoring observers. Delivery is fire-and-forget: the session ledger is
// the durable source of truth, so a dropped message costs a delayed UI
// refresh, never data.
package broadcast

import (
	"time"

	"github.com/google/uuid"
	"github.com/skillscreen/proctoring-service/internal/models"
)

type EventType string

const (
	EventViolationOccurred EventType = "proctoring.violation"
	EventSnapshotCaptured  EventType = "proctoring.snapshot"
	EventAutoSubmitted     EventType = "proctoring.auto_submitted"
	EventSessionEnded      EventType = "proctoring.session_ended"
)

const eventSource = "proctoring-service"

// Event is the envelope shared by the live fan-out and the audit stream.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`

	AttemptID   string `json:"attempt_id"`
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`

	Data interface{} `json:"data"`
}

// ViolationEvent is pushed on every persisted violation, carrying the
// authoritative post-write values.
type ViolationEvent struct {
	Violation      models.Violation `json:"violation"`
	IntegrityScore int              `json:"integrity_score"`
	StrikeCount    int              `json:"strike_count"`
}

type SnapshotEvent struct {
	Image     string    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

type AutoSubmittedEvent struct {
	Reason string `json:"reason"`
}

type SessionEndedEvent struct {
	SessionEnd     time.Time `json:"session_end"`
	IntegrityScore int       `json:"integrity_score"`
}

// NewEvent builds an envelope for one session-scoped event.
func NewEvent(t EventType, session *models.ProctoringSession, data interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Timestamp:   time.Now(),
		Source:      eventSource,
		AttemptID:   session.AttemptID,
		CandidateID: session.CandidateID,
		JobID:       session.JobID,
		Data:        data,
	}
}

// MonitorRoom is the per-job channel recruiters watch.
func MonitorRoom(jobID string) string {
	return "monitor:" + jobID
}

// AttemptRoom is the per-attempt channel the candidate's own client joins.
func AttemptRoom(attemptID string) string {
	return "attempt:" + attemptID
}
