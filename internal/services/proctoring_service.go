package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/skillscreen/proctoring-service/internal/broadcast"
	"github.com/skillscreen/proctoring-service/internal/cache"
	"github.com/skillscreen/proctoring-service/internal/engine"
	"github.com/skillscreen/proctoring-service/internal/heatmap"
	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories"
	"github.com/skillscreen/proctoring-service/internal/validator"
)

const (
	// DefaultSnapshotCapacity bounds the per-session frame buffer.
	DefaultSnapshotCapacity = 60

	// DefaultSessionsCacheTTL matches the monitoring dashboard's poll
	// fallback interval.
	DefaultSessionsCacheTTL = 15 * time.Second
)

// ===== REQUEST/RESPONSE TYPES =====

type InitSessionRequest struct {
	AttemptID     string `json:"attempt_id" validate:"required,max=64"`
	WebcamEnabled bool   `json:"webcam_enabled"`
}

type ReportViolationRequest struct {
	AttemptID string               `json:"attempt_id" validate:"required,max=64"`
	Type      models.ViolationType `json:"type" validate:"required,violation_type"`
	Details   string               `json:"details" validate:"max=512"`

	// Duration in seconds, only meaningful for looking_away.
	Duration float64 `json:"duration" validate:"gte=0"`

	// Timestamp is optional; the server clock is used when absent.
	Timestamp *time.Time `json:"timestamp"`
}

type SaveSnapshotRequest struct {
	AttemptID string `json:"attempt_id" validate:"required,max=64"`
	Image     string `json:"image" validate:"required"`
}

// ViolationAck carries the authoritative values the client mirror reconciles
// against. AutoSubmit is true only on the write that first crossed the
// strike ceiling.
type ViolationAck struct {
	IntegrityScore int  `json:"integrity_score"`
	StrikeCount    int  `json:"strike_count"`
	AutoSubmit     bool `json:"auto_submit"`
}

// SessionReport is the recruiter-facing view of one session.
type SessionReport struct {
	Session   *models.ProctoringSession    `json:"session"`
	Breakdown map[models.ViolationType]int `json:"breakdown"`
	Attention heatmap.Summary              `json:"attention"`

	// DurationSeconds uses the current time for sessions still running.
	DurationSeconds float64 `json:"duration_seconds"`
}

// SessionSummary is one row of the job monitoring list.
type SessionSummary struct {
	AttemptID      string     `json:"attempt_id"`
	CandidateID    string     `json:"candidate_id"`
	IntegrityScore int        `json:"integrity_score"`
	StrikeCount    int        `json:"strike_count"`
	ViolationCount int        `json:"violation_count"`
	AutoSubmitted  bool       `json:"auto_submitted"`
	WebcamEnabled  bool       `json:"webcam_enabled"`
	IsActive       bool       `json:"is_active"`
	SessionStart   time.Time  `json:"session_start"`
	SessionEnd     *time.Time `json:"session_end,omitempty"`
}

// ===== SERVICE INTERFACE =====

type ProctoringService interface {
	InitSession(ctx context.Context, req *InitSessionRequest, caller models.Identity) (*models.ProctoringSession, error)
	ReportViolation(ctx context.Context, req *ReportViolationRequest, caller models.Identity) (*ViolationAck, error)
	SaveSnapshot(ctx context.Context, req *SaveSnapshotRequest, caller models.Identity) error
	EndSession(ctx context.Context, attemptID string, caller models.Identity) (*models.ProctoringSession, error)

	GetReport(ctx context.Context, attemptID string, caller models.Identity) (*SessionReport, error)
	GetHeatMap(ctx context.Context, attemptID string, buckets int, caller models.Identity) (*heatmap.Grid, error)
	GetActiveSessions(ctx context.Context, jobID string, caller models.Identity) ([]SessionSummary, error)
}

// attemptLocks serializes writes per attempt so concurrent violation
// reports replay against a consistent log.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[string]*sync.Mutex)}
}

func (a *attemptLocks) lock(attemptID string) func() {
	a.mu.Lock()
	l, ok := a.locks[attemptID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[attemptID] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

type proctoringService struct {
	repo      repositories.Repository
	logger    *slog.Logger
	validator *validator.Validator
	relay     *broadcast.Relay
	cache     cache.CacheService

	snapshotCapacity int
	cacheTTL         time.Duration
	locks            *attemptLocks

	now func() time.Time
}

func NewProctoringService(
	repo repositories.Repository,
	logger *slog.Logger,
	v *validator.Validator,
	relay *broadcast.Relay,
	cacheService cache.CacheService,
	snapshotCapacity int,
) ProctoringService {
	if snapshotCapacity <= 0 {
		snapshotCapacity = DefaultSnapshotCapacity
	}
	return &proctoringService{
		repo:             repo,
		logger:           logger,
		validator:        v,
		relay:            relay,
		cache:            cacheService,
		snapshotCapacity: snapshotCapacity,
		cacheTTL:         DefaultSessionsCacheTTL,
		locks:            newAttemptLocks(),
		now:              time.Now,
	}
}

// ===== SESSION LIFECYCLE =====

// InitSession creates the session row for an attempt, or returns the
// existing one. Only the candidate who owns the attempt may start it.
func (s *proctoringService) InitSession(ctx context.Context, req *InitSessionRequest, caller models.Identity) (*models.ProctoringSession, error) {
	s.logger.Info("Initializing proctoring session",
		"attempt_id", req.AttemptID,
		"user_id", caller.UserID)

	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	attempt, err := s.repo.Attempt().GetByID(ctx, req.AttemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.CandidateID != caller.UserID {
		return nil, NewPermissionError(caller.UserID, req.AttemptID, "attempt", "proctor", "attempt belongs to another candidate")
	}

	unlock := s.locks.lock(req.AttemptID)
	defer unlock()

	existing, err := s.repo.Proctoring().GetByAttemptID(ctx, req.AttemptID)
	if err == nil {
		s.logger.Info("Resuming existing proctoring session",
			"attempt_id", req.AttemptID,
			"integrity_score", existing.IntegrityScore)
		return existing, nil
	}
	if !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := &models.ProctoringSession{
		AttemptID:      req.AttemptID,
		CandidateID:    attempt.CandidateID,
		JobID:          attempt.JobID,
		IntegrityScore: engine.MaxScore,
		WebcamEnabled:  req.WebcamEnabled,
		SessionStart:   s.now(),
		IsActive:       true,
	}
	if err := s.repo.Proctoring().Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.invalidateSessionsCache(ctx, session.JobID)

	s.logger.Info("Proctoring session started",
		"attempt_id", session.AttemptID,
		"job_id", session.JobID,
		"webcam_enabled", session.WebcamEnabled)
	return session, nil
}

// ReportViolation appends one violation and recomputes score and strikes
// from the full persisted log. Client-reported local state is never
// consulted; the returned ack is what the client reconciles against.
func (s *proctoringService) ReportViolation(ctx context.Context, req *ReportViolationRequest, caller models.Identity) (*ViolationAck, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	unlock := s.locks.lock(req.AttemptID)
	defer unlock()

	session, err := s.getOwnedSession(ctx, req.AttemptID, caller)
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return nil, ErrSessionNotActive
	}

	penalty, err := engine.Penalty(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	occurredAt := s.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		occurredAt = *req.Timestamp
	}

	violation := &models.Violation{
		AttemptID: req.AttemptID,
		Type:      req.Type,
		Details:   req.Details,
		Duration:  req.Duration,
		Penalty:   penalty,
		Timestamp: occurredAt,
	}
	if err := s.repo.Proctoring().AppendViolation(ctx, violation); err != nil {
		return nil, fmt.Errorf("failed to append violation: %w", err)
	}

	violations, err := s.repo.Proctoring().ListViolations(ctx, req.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	types := make([]models.ViolationType, len(violations))
	for i, v := range violations {
		types[i] = v.Type
	}
	state := engine.Replay(types)

	wasTerminal := session.AutoSubmitted
	session.IntegrityScore = state.Score
	session.StrikeCount = state.Strikes
	s.applyAttention(session, violation)

	// The auto-submit decision fires exactly once, on the write that first
	// crosses the ceiling. The persisted flag survives restarts, so a
	// replayed or duplicate report never re-triggers it.
	autoSubmit := state.AutoSubmitted && !wasTerminal
	if autoSubmit {
		session.AutoSubmitted = true
		reason := engine.AutoSubmitReason
		session.AutoSubmitReason = &reason
	}

	if err := s.repo.Proctoring().Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Violation recorded",
		"attempt_id", req.AttemptID,
		"type", string(req.Type),
		"penalty", penalty,
		"integrity_score", state.Score,
		"strike_count", state.Strikes,
		"auto_submit", autoSubmit)

	s.relay.ViolationOccurred(ctx, session, *violation, state.Score, state.Strikes)
	if autoSubmit {
		s.relay.AutoSubmitted(ctx, session, engine.AutoSubmitReason)
	}
	s.invalidateSessionsCache(ctx, session.JobID)

	return &ViolationAck{
		IntegrityScore: state.Score,
		StrikeCount:    state.Strikes,
		AutoSubmit:     autoSubmit,
	}, nil
}

// SaveSnapshot appends one webcam frame to the bounded audit buffer.
func (s *proctoringService) SaveSnapshot(ctx context.Context, req *SaveSnapshotRequest, caller models.Identity) error {
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	session, err := s.getOwnedSession(ctx, req.AttemptID, caller)
	if err != nil {
		return err
	}
	if !session.IsActive {
		return ErrSessionNotActive
	}

	snapshot := &models.FrameSnapshot{
		AttemptID: req.AttemptID,
		Image:     req.Image,
		Timestamp: s.now(),
	}
	if err := s.repo.Proctoring().AppendSnapshot(ctx, snapshot, s.snapshotCapacity); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.relay.SnapshotCaptured(ctx, session, snapshot.Timestamp)
	return nil
}

// EndSession closes the session. Ending twice is a no-op returning the
// already-closed row unchanged.
func (s *proctoringService) EndSession(ctx context.Context, attemptID string, caller models.Identity) (*models.ProctoringSession, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	session, err := s.getOwnedSession(ctx, attemptID, caller)
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return session, nil
	}

	endedAt := s.now()
	session.IsActive = false
	session.SessionEnd = &endedAt
	if err := s.repo.Proctoring().Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	s.logger.Info("Proctoring session ended",
		"attempt_id", attemptID,
		"integrity_score", session.IntegrityScore,
		"strike_count", session.StrikeCount,
		"auto_submitted", session.AutoSubmitted)

	s.relay.SessionEnded(ctx, session, endedAt)
	s.invalidateSessionsCache(ctx, session.JobID)
	return session, nil
}

// ===== READS =====

// GetReport returns the full session report. Candidates see only their own
// session; recruiters and admins see any.
func (s *proctoringService) GetReport(ctx context.Context, attemptID string, caller models.Identity) (*SessionReport, error) {
	session, err := s.getReadableSession(ctx, attemptID, caller)
	if err != nil {
		return nil, err
	}

	duration := session.Duration(s.now())
	return &SessionReport{
		Session:         session,
		Breakdown:       heatmap.Breakdown(session.Violations),
		Attention:       heatmap.Summarize(session.Attention.Data(), duration),
		DurationSeconds: duration,
	}, nil
}

// GetHeatMap buckets the session's violations over its duration.
func (s *proctoringService) GetHeatMap(ctx context.Context, attemptID string, buckets int, caller models.Identity) (*heatmap.Grid, error) {
	session, err := s.getReadableSession(ctx, attemptID, caller)
	if err != nil {
		return nil, err
	}
	return heatmap.New(buckets).Aggregate(session.Violations, session.Duration(s.now())), nil
}

// GetActiveSessions lists a job's sessions for the monitoring dashboard,
// active first. Results are cached briefly to absorb poll traffic.
func (s *proctoringService) GetActiveSessions(ctx context.Context, jobID string, caller models.Identity) ([]SessionSummary, error) {
	if !caller.CanMonitor() {
		return nil, NewPermissionError(caller.UserID, jobID, "job", "monitor", "monitoring requires recruiter or admin role")
	}

	cacheKey := sessionsCacheKey(jobID)
	if s.cache != nil {
		var cached []SessionSummary
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("sessions cache read failed", "job_id", jobID, "error", err)
		}
	}

	sessions, err := s.repo.Proctoring().GetByJob(ctx, jobID, repositories.SessionFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			AttemptID:      sess.AttemptID,
			CandidateID:    sess.CandidateID,
			IntegrityScore: sess.IntegrityScore,
			StrikeCount:    sess.StrikeCount,
			ViolationCount: len(sess.Violations),
			AutoSubmitted:  sess.AutoSubmitted,
			WebcamEnabled:  sess.WebcamEnabled,
			IsActive:       sess.IsActive,
			SessionStart:   sess.SessionStart,
			SessionEnd:     sess.SessionEnd,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summaries, s.cacheTTL); err != nil {
			s.logger.Warn("sessions cache write failed", "job_id", jobID, "error", err)
		}
	}
	return summaries, nil
}

// ===== HELPERS =====

// getOwnedSession loads a session for a candidate-side write. Only the
// owning candidate may write to a session.
func (s *proctoringService) getOwnedSession(ctx context.Context, attemptID string, caller models.Identity) (*models.ProctoringSession, error) {
	session, err := s.repo.Proctoring().GetByAttemptID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.CandidateID != caller.UserID {
		return nil, NewPermissionError(caller.UserID, attemptID, "session", "write", "session belongs to another candidate")
	}
	return session, nil
}

// getReadableSession loads a session with details for a read. Candidates
// may read their own; monitoring roles may read any.
func (s *proctoringService) getReadableSession(ctx context.Context, attemptID string, caller models.Identity) (*models.ProctoringSession, error) {
	session, err := s.repo.Proctoring().GetByAttemptIDWithDetails(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.CandidateID != caller.UserID && !caller.CanMonitor() {
		return nil, NewPermissionError(caller.UserID, attemptID, "session", "read", "session belongs to another candidate")
	}
	return session, nil
}

// applyAttention folds one violation into the session's derived counters.
func (s *proctoringService) applyAttention(session *models.ProctoringSession, v *models.Violation) {
	att := session.Attention.Data()
	switch v.Type {
	case models.ViolationLookingAway:
		d := v.Duration
		if d <= 0 {
			d = engine.DefaultAwayThreshold.Seconds()
		}
		att.TotalLookingAway += d
	case models.ViolationTabSwitch:
		att.TabSwitchCount++
	case models.ViolationCopyPaste:
		att.CopyPasteCount++
	case models.ViolationMultipleFaces:
		att.MultipleFacesCount++
	case models.ViolationPhoneDetected:
		att.PhoneDetectedCount++
	}
	session.Attention = datatypes.NewJSONType(att)
}

func (s *proctoringService) invalidateSessionsCache(ctx context.Context, jobID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, sessionsCacheKey(jobID)); err != nil {
		s.logger.Warn("sessions cache invalidation failed", "job_id", jobID, "error", err)
	}
}

func sessionsCacheKey(jobID string) string {
	return "proctoring:sessions:" + jobID
}
