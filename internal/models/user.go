package models

type UserRole string

const (
	RoleCandidate UserRole = "candidate"
	RoleRecruiter UserRole = "recruiter"
	RoleAdmin     UserRole = "admin"
)

// Identity is the authenticated caller as established by the auth boundary.
// The service never authenticates anyone itself; it only consumes this.
type Identity struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
}

// CanMonitor reports whether the caller may join job monitoring rooms and
// read other candidates' sessions.
func (i Identity) CanMonitor() bool {
	return i.Role == RoleRecruiter || i.Role == RoleAdmin
}

// Attempt is the read-only projection of the attempt store used to validate
// ownership at proctoring-init time.
type Attempt struct {
	ID          string  `json:"id" gorm:"primaryKey;size:64;column:id"`
	CandidateID string  `json:"candidate_id" gorm:"size:64;not null;index"`
	JobID       string  `json:"job_id" gorm:"size:64;not null;index"`
	Status      string  `json:"status" gorm:"size:32"`
	Score       float64 `json:"score"`
}

func (Attempt) TableName() string {
	return "attempts"
}
