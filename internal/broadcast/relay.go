package broadcast

import (
	"context"
	"time"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

// Relay fans one session event out to the attempt room, the job's monitor
// room, the cross-instance bridge and the Kafka audit stream. Every leg is
// best-effort; failures are logged and never surface to the caller.
type Relay struct {
	hub       *Hub
	publisher EventPublisher
	bridge    *RedisBridge
	logger    utils.Logger
}

func NewRelay(hub *Hub, publisher EventPublisher, bridge *RedisBridge, logger utils.Logger) *Relay {
	return &Relay{hub: hub, publisher: publisher, bridge: bridge, logger: logger}
}

func (r *Relay) ViolationOccurred(ctx context.Context, session *models.ProctoringSession, violation models.Violation, score, strikes int) {
	r.emit(ctx, NewEvent(EventViolationOccurred, session, ViolationEvent{
		Violation:      violation,
		IntegrityScore: score,
		StrikeCount:    strikes,
	}))
}

func (r *Relay) SnapshotCaptured(ctx context.Context, session *models.ProctoringSession, capturedAt time.Time) {
	// The image itself stays in the store; observers refetch on demand.
	r.emit(ctx, NewEvent(EventSnapshotCaptured, session, SnapshotEvent{Timestamp: capturedAt}))
}

func (r *Relay) AutoSubmitted(ctx context.Context, session *models.ProctoringSession, reason string) {
	r.emit(ctx, NewEvent(EventAutoSubmitted, session, AutoSubmittedEvent{Reason: reason}))
}

func (r *Relay) SessionEnded(ctx context.Context, session *models.ProctoringSession, endedAt time.Time) {
	r.emit(ctx, NewEvent(EventSessionEnded, session, SessionEndedEvent{
		SessionEnd:     endedAt,
		IntegrityScore: session.IntegrityScore,
	}))
}

func (r *Relay) emit(ctx context.Context, ev Event) {
	rooms := []string{AttemptRoom(ev.AttemptID), MonitorRoom(ev.JobID)}
	for _, room := range rooms {
		r.hub.Publish(room, ev)
		if r.bridge != nil {
			if err := r.bridge.Publish(ctx, room, ev); err != nil {
				r.logger.Warn("bridge publish failed", "room", room, "error", err)
			}
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishProctoringEvent(ctx, &ev); err != nil {
			r.logger.Warn("audit publish failed", "event_id", ev.ID, "error", err)
		}
	}
}
