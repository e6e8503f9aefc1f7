package postgres

import (
	"context"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories"
	"gorm.io/gorm"
)

// AttemptPostgreSQL is the read-only projection of the attempt store. The
// attempt lifecycle itself belongs to the assessment system; this service
// only needs ownership lookups.
type AttemptPostgreSQL struct {
	db *gorm.DB
}

func NewAttemptPostgreSQL(db *gorm.DB) repositories.AttemptRepository {
	return &AttemptPostgreSQL{db: db}
}

func (a AttemptPostgreSQL) GetByID(ctx context.Context, id string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Manager bundles the postgres repositories behind the Repository interface.
type Manager struct {
	db *gorm.DB

	proctoring repositories.ProctoringRepository
	attempt    repositories.AttemptRepository
}

func NewManager(db *gorm.DB) repositories.Repository {
	return &Manager{
		db:         db,
		proctoring: NewProctoringPostgreSQL(db),
		attempt:    NewAttemptPostgreSQL(db),
	}
}

func (m *Manager) Proctoring() repositories.ProctoringRepository { return m.proctoring }
func (m *Manager) Attempt() repositories.AttemptRepository       { return m.attempt }
