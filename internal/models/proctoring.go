package models

import (
	"time"

	"gorm.io/datatypes"
)

type ViolationType string

const (
	ViolationMultipleFaces     ViolationType = "multiple_faces"
	ViolationPhoneDetected     ViolationType = "phone_detected"
	ViolationTabSwitch         ViolationType = "tab_switch"
	ViolationCopyPaste         ViolationType = "copy_paste"
	ViolationLookingAway       ViolationType = "looking_away"
	ViolationRightClick        ViolationType = "right_click"
	ViolationScreenshotAttempt ViolationType = "screenshot_attempt"
	ViolationMouseLeave        ViolationType = "mouse_leave"
)

// AllViolationTypes lists every type the penalty table covers. Anything
// outside this list is rejected at validation time rather than silently
// accepted with a default penalty.
var AllViolationTypes = []ViolationType{
	ViolationMultipleFaces,
	ViolationPhoneDetected,
	ViolationTabSwitch,
	ViolationCopyPaste,
	ViolationLookingAway,
	ViolationRightClick,
	ViolationScreenshotAttempt,
	ViolationMouseLeave,
}

// Violation is one detected integrity event. Immutable once recorded;
// append-only by timestamp within a session.
type Violation struct {
	ID        uint          `json:"id" gorm:"primaryKey"`
	AttemptID string        `json:"attempt_id" gorm:"size:64;not null;index"`
	Type      ViolationType `json:"type" gorm:"size:32;not null;index"`

	Details string `json:"details" gorm:"type:text"`

	// Duration in seconds, only meaningful for continuous conditions
	// (looking_away); 0 otherwise.
	Duration float64 `json:"duration"`

	// Penalty points deducted, fixed per type.
	Penalty int `json:"penalty"`

	Timestamp time.Time `json:"timestamp" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// FrameSnapshot is one entry of the bounded audit buffer: a low resolution
// JPEG thumbnail captured from the candidate's webcam.
type FrameSnapshot struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AttemptID string    `json:"attempt_id" gorm:"size:64;not null;index"`
	Image     string    `json:"image" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"not null"`
}

// AttentionData holds derived counters, incremented as a side effect of
// specific violation types.
type AttentionData struct {
	TotalLookingAway   float64 `json:"total_looking_away"` // seconds
	TabSwitchCount     int     `json:"tab_switch_count"`
	CopyPasteCount     int     `json:"copy_paste_count"`
	MultipleFacesCount int     `json:"multiple_faces_count"`
	PhoneDetectedCount int     `json:"phone_detected_count"`
}

// ProctoringSession is the authoritative record for one assessment attempt.
// The client's local state is a cache that can be recomputed from this row
// and its violations.
type ProctoringSession struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	AttemptID   string `json:"attempt_id" gorm:"size:64;not null;uniqueIndex"`
	CandidateID string `json:"candidate_id" gorm:"size:64;not null;index:idx_proctoring_candidate_job"`
	JobID       string `json:"job_id" gorm:"size:64;not null;index:idx_proctoring_candidate_job;index"`

	// IntegrityScore is in [0,100], starts at 100 and only decreases.
	// Recomputed server-side from the full violation log on every write.
	IntegrityScore int `json:"integrity_score" gorm:"default:100"`

	// StrikeCount is in [0,3] and never decreases within a session.
	StrikeCount int `json:"strike_count" gorm:"default:0"`

	// AutoSubmitted is set exactly once and never cleared.
	AutoSubmitted    bool    `json:"auto_submitted" gorm:"default:false"`
	AutoSubmitReason *string `json:"auto_submit_reason"`

	WebcamEnabled bool `json:"webcam_enabled" gorm:"default:false"`

	Attention datatypes.JSONType[AttentionData] `json:"attention_data" gorm:"type:jsonb"`

	SessionStart time.Time  `json:"session_start" gorm:"not null"`
	SessionEnd   *time.Time `json:"session_end"`
	IsActive     bool       `json:"is_active" gorm:"default:true;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Violations     []Violation     `json:"violations" gorm:"foreignKey:AttemptID;references:AttemptID"`
	FrameSnapshots []FrameSnapshot `json:"frame_snapshots" gorm:"foreignKey:AttemptID;references:AttemptID"`
}

// Duration returns the session length in seconds, using the current time for
// sessions that have not ended yet.
func (s *ProctoringSession) Duration(now time.Time) float64 {
	end := now
	if s.SessionEnd != nil {
		end = *s.SessionEnd
	}
	d := end.Sub(s.SessionStart).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
