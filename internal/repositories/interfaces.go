package repositories

import (
	"context"
	"errors"

	"github.com/skillscreen/proctoring-service/internal/models"
	"gorm.io/gorm"
)

// SessionFilters narrows job-scoped session listings.
type SessionFilters struct {
	IsActive *bool `json:"is_active"`
	Limit    int   `json:"limit"`
	Offset   int   `json:"offset"`
}

// ProctoringRepository persists the session ledger. Appends are raw storage
// operations; score/strike recomputation and per-attempt serialization live
// in the service layer.
type ProctoringRepository interface {
	Create(ctx context.Context, session *models.ProctoringSession) error
	GetByAttemptID(ctx context.Context, attemptID string) (*models.ProctoringSession, error)

	// GetByAttemptIDWithDetails preloads violations (chronological) and
	// frame snapshots.
	GetByAttemptIDWithDetails(ctx context.Context, attemptID string) (*models.ProctoringSession, error)

	Update(ctx context.Context, session *models.ProctoringSession) error

	AppendViolation(ctx context.Context, violation *models.Violation) error
	ListViolations(ctx context.Context, attemptID string) ([]models.Violation, error)

	// AppendSnapshot appends to the bounded audit buffer, evicting the
	// oldest entries once capacity is exceeded.
	AppendSnapshot(ctx context.Context, snapshot *models.FrameSnapshot, capacity int) error
	ListSnapshots(ctx context.Context, attemptID string) ([]models.FrameSnapshot, error)

	// GetByJob returns all sessions for a job, active first, then by
	// session start descending.
	GetByJob(ctx context.Context, jobID string, filters SessionFilters) ([]*models.ProctoringSession, error)
}

// AttemptRepository is the read-only view of the attempt store used to
// validate ownership at session-init time.
type AttemptRepository interface {
	GetByID(ctx context.Context, id string) (*models.Attempt, error)
}

// Repository aggregates the per-aggregate repositories.
type Repository interface {
	Proctoring() ProctoringRepository
	Attempt() AttemptRepository
}

// IsNotFoundError checks if error represents a "not found" condition at the
// storage layer.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
