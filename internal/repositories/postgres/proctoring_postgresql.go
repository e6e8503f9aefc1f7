package postgres

import (
	"context"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories"
	"gorm.io/gorm"
)

type ProctoringPostgreSQL struct {
	db *gorm.DB
}

func NewProctoringPostgreSQL(db *gorm.DB) repositories.ProctoringRepository {
	return &ProctoringPostgreSQL{db: db}
}

func (p ProctoringPostgreSQL) Create(ctx context.Context, session *models.ProctoringSession) error {
	return p.db.WithContext(ctx).Create(session).Error
}

func (p ProctoringPostgreSQL) GetByAttemptID(ctx context.Context, attemptID string) (*models.ProctoringSession, error) {
	var session models.ProctoringSession
	if err := p.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (p ProctoringPostgreSQL) GetByAttemptIDWithDetails(ctx context.Context, attemptID string) (*models.ProctoringSession, error) {
	var session models.ProctoringSession
	if err := p.db.WithContext(ctx).
		Preload("Violations", func(db *gorm.DB) *gorm.DB {
			return db.Order("timestamp ASC")
		}).
		Preload("FrameSnapshots", func(db *gorm.DB) *gorm.DB {
			return db.Order("timestamp ASC")
		}).
		Where("attempt_id = ?", attemptID).
		First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (p ProctoringPostgreSQL) Update(ctx context.Context, session *models.ProctoringSession) error {
	return p.db.WithContext(ctx).Save(session).Error
}

func (p ProctoringPostgreSQL) AppendViolation(ctx context.Context, violation *models.Violation) error {
	return p.db.WithContext(ctx).Create(violation).Error
}

func (p ProctoringPostgreSQL) ListViolations(ctx context.Context, attemptID string) ([]models.Violation, error) {
	var violations []models.Violation
	if err := p.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("timestamp ASC").
		Find(&violations).Error; err != nil {
		return nil, err
	}
	return violations, nil
}

// AppendSnapshot inserts the snapshot and evicts the oldest entries beyond
// capacity. The service serializes writes per attempt, so the count-then-trim
// pair does not race with itself.
func (p ProctoringPostgreSQL) AppendSnapshot(ctx context.Context, snapshot *models.FrameSnapshot, capacity int) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(snapshot).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.FrameSnapshot{}).
			Where("attempt_id = ?", snapshot.AttemptID).
			Count(&count).Error; err != nil {
			return err
		}

		excess := int(count) - capacity
		if excess <= 0 {
			return nil
		}

		var oldest []models.FrameSnapshot
		if err := tx.Where("attempt_id = ?", snapshot.AttemptID).
			Order("timestamp ASC").
			Limit(excess).
			Find(&oldest).Error; err != nil {
			return err
		}

		ids := make([]uint, len(oldest))
		for i, s := range oldest {
			ids[i] = s.ID
		}
		return tx.Delete(&models.FrameSnapshot{}, ids).Error
	})
}

func (p ProctoringPostgreSQL) ListSnapshots(ctx context.Context, attemptID string) ([]models.FrameSnapshot, error) {
	var snapshots []models.FrameSnapshot
	if err := p.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("timestamp ASC").
		Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (p ProctoringPostgreSQL) GetByJob(ctx context.Context, jobID string, filters repositories.SessionFilters) ([]*models.ProctoringSession, error) {
	var sessions []*models.ProctoringSession

	query := p.db.WithContext(ctx).
		Model(&models.ProctoringSession{}).
		Where("job_id = ?", jobID)

	if filters.IsActive != nil {
		query = query.Where("is_active = ?", *filters.IsActive)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	// Active sessions first, then most recently started.
	if err := query.
		Order("is_active DESC").
		Order("session_start DESC").
		Preload("Violations", func(db *gorm.DB) *gorm.DB {
			return db.Order("timestamp ASC")
		}).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
