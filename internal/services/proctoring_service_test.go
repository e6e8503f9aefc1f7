package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/skillscreen/proctoring-service/internal/broadcast"
	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories"
	"github.com/skillscreen/proctoring-service/internal/utils"
	"github.com/skillscreen/proctoring-service/internal/validator"
)

// ===== IN-MEMORY REPOSITORY =====

type memoryRepo struct {
	mu         sync.Mutex
	nextID     uint
	sessions   map[string]*models.ProctoringSession
	violations map[string][]models.Violation
	snapshots  map[string][]models.FrameSnapshot
	attempts   map[string]*models.Attempt
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		sessions:   make(map[string]*models.ProctoringSession),
		violations: make(map[string][]models.Violation),
		snapshots:  make(map[string][]models.FrameSnapshot),
		attempts:   make(map[string]*models.Attempt),
	}
}

func (m *memoryRepo) Proctoring() repositories.ProctoringRepository { return m }
func (m *memoryRepo) Attempt() repositories.AttemptRepository      { return m }

func (m *memoryRepo) Create(ctx context.Context, session *models.ProctoringSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	session.ID = m.nextID
	cp := *session
	m.sessions[session.AttemptID] = &cp
	return nil
}

func (m *memoryRepo) GetByAttemptID(ctx context.Context, attemptID string) (*models.ProctoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[attemptID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memoryRepo) GetByAttemptIDWithDetails(ctx context.Context, attemptID string) (*models.ProctoringSession, error) {
	sess, err := m.GetByAttemptID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.Violations = append([]models.Violation(nil), m.violations[attemptID]...)
	sess.FrameSnapshots = append([]models.FrameSnapshot(nil), m.snapshots[attemptID]...)
	return sess, nil
}

func (m *memoryRepo) Update(ctx context.Context, session *models.ProctoringSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.AttemptID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *session
	cp.Violations = nil
	cp.FrameSnapshots = nil
	m.sessions[session.AttemptID] = &cp
	return nil
}

func (m *memoryRepo) AppendViolation(ctx context.Context, violation *models.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	violation.ID = m.nextID
	m.violations[violation.AttemptID] = append(m.violations[violation.AttemptID], *violation)
	return nil
}

func (m *memoryRepo) ListViolations(ctx context.Context, attemptID string) ([]models.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Violation(nil), m.violations[attemptID]...), nil
}

func (m *memoryRepo) AppendSnapshot(ctx context.Context, snapshot *models.FrameSnapshot, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	snapshot.ID = m.nextID
	buf := append(m.snapshots[snapshot.AttemptID], *snapshot)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	m.snapshots[snapshot.AttemptID] = buf
	return nil
}

func (m *memoryRepo) ListSnapshots(ctx context.Context, attemptID string) ([]models.FrameSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FrameSnapshot(nil), m.snapshots[attemptID]...), nil
}

func (m *memoryRepo) GetByJob(ctx context.Context, jobID string, filters repositories.SessionFilters) ([]*models.ProctoringSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProctoringSession
	for _, sess := range m.sessions {
		if sess.JobID != jobID {
			continue
		}
		if filters.IsActive != nil && sess.IsActive != *filters.IsActive {
			continue
		}
		cp := *sess
		cp.Violations = append([]models.Violation(nil), m.violations[sess.AttemptID]...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].SessionStart.After(out[j].SessionStart)
	})
	return out, nil
}

func (m *memoryRepo) GetByID(ctx context.Context, id string) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *att
	return &cp, nil
}

// ===== FIXTURES =====

var (
	candidate = models.Identity{UserID: "cand-1", Role: models.RoleCandidate}
	intruder  = models.Identity{UserID: "cand-2", Role: models.RoleCandidate}
	recruiter = models.Identity{UserID: "rec-1", Role: models.RoleRecruiter}
)

type serviceFixture struct {
	repo      *memoryRepo
	publisher *broadcast.MockEventPublisher
	service   ProctoringService
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.attempts["attempt-1"] = &models.Attempt{ID: "attempt-1", CandidateID: "cand-1", JobID: "job-1", Status: "in_progress"}

	logger := utils.NewDefaultLogger()
	publisher := broadcast.NewMockEventPublisher(utils.ToSlogLogger(logger))
	relay := broadcast.NewRelay(broadcast.NewHub(logger), publisher, nil, logger)

	svc := NewProctoringService(repo, utils.ToSlogLogger(logger), validator.New(), relay, nil, DefaultSnapshotCapacity)
	return &serviceFixture{repo: repo, publisher: publisher, service: svc}
}

func (f *serviceFixture) initSession(t *testing.T) *models.ProctoringSession {
	t.Helper()
	sess, err := f.service.InitSession(context.Background(), &InitSessionRequest{AttemptID: "attempt-1", WebcamEnabled: true}, candidate)
	require.NoError(t, err)
	return sess
}

func report(t *testing.T, f *serviceFixture, vt models.ViolationType) *ViolationAck {
	t.Helper()
	ack, err := f.service.ReportViolation(context.Background(), &ReportViolationRequest{AttemptID: "attempt-1", Type: vt}, candidate)
	require.NoError(t, err)
	return ack
}

// ===== INIT =====

func TestInitSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.initSession(t)
	assert.Equal(t, 100, first.IntegrityScore)
	assert.Equal(t, "job-1", first.JobID)
	assert.True(t, first.IsActive)

	report(t, f, models.ViolationTabSwitch)

	second := f.initSession(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 90, second.IntegrityScore, "re-init must return existing state, not reset it")
}

func TestInitSessionRejectsUnknownAttempt(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.InitSession(context.Background(), &InitSessionRequest{AttemptID: "missing"}, candidate)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestInitSessionRejectsForeignCandidate(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.InitSession(context.Background(), &InitSessionRequest{AttemptID: "attempt-1"}, intruder)
	assert.True(t, IsUnauthorized(err), "expected permission error, got %v", err)
}

// ===== VIOLATIONS =====

func TestReportViolationRecomputesFromLog(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	ack := report(t, f, models.ViolationPhoneDetected)
	assert.Equal(t, 80, ack.IntegrityScore)
	assert.Equal(t, 1, ack.StrikeCount)
	assert.False(t, ack.AutoSubmit)
}

func TestReportViolationIgnoresTamperedSessionRow(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)
	report(t, f, models.ViolationTabSwitch)

	// Simulate a tampered row: the stored score claims a perfect 100.
	f.repo.mu.Lock()
	f.repo.sessions["attempt-1"].IntegrityScore = 100
	f.repo.sessions["attempt-1"].StrikeCount = 0
	f.repo.mu.Unlock()

	ack := report(t, f, models.ViolationRightClick)
	assert.Equal(t, 85, ack.IntegrityScore, "score must come from the violation log, not the stored row")
	assert.Equal(t, 1, ack.StrikeCount)
}

func TestThreeStrikesAutoSubmitsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	report(t, f, models.ViolationTabSwitch)
	report(t, f, models.ViolationCopyPaste)
	ack := report(t, f, models.ViolationMultipleFaces)

	assert.Equal(t, 60, ack.IntegrityScore)
	assert.Equal(t, 3, ack.StrikeCount)
	assert.True(t, ack.AutoSubmit)

	sess, err := f.repo.GetByAttemptID(context.Background(), "attempt-1")
	require.NoError(t, err)
	assert.True(t, sess.AutoSubmitted)
	require.NotNil(t, sess.AutoSubmitReason)
	assert.Equal(t, "Three integrity violations detected", *sess.AutoSubmitReason)

	// Past the ceiling: still logged and charged, never re-triggered.
	ack = report(t, f, models.ViolationPhoneDetected)
	assert.Equal(t, 40, ack.IntegrityScore)
	assert.Equal(t, 3, ack.StrikeCount)
	assert.False(t, ack.AutoSubmit)

	violations, _ := f.repo.ListViolations(context.Background(), "attempt-1")
	assert.Len(t, violations, 4)
}

func TestReportViolationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	_, err := f.service.ReportViolation(context.Background(), &ReportViolationRequest{
		AttemptID: "attempt-1",
		Type:      models.ViolationType("coffee_break"),
	}, candidate)
	require.Error(t, err)
	assert.True(t, IsValidation(err), "unknown types must fail validation, got %v", err)

	violations, _ := f.repo.ListViolations(context.Background(), "attempt-1")
	assert.Empty(t, violations, "rejected violations must not be persisted")
}

func TestReportViolationOnEndedSession(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	_, err := f.service.EndSession(context.Background(), "attempt-1", candidate)
	require.NoError(t, err)

	_, err = f.service.ReportViolation(context.Background(), &ReportViolationRequest{
		AttemptID: "attempt-1",
		Type:      models.ViolationTabSwitch,
	}, candidate)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestReportViolationForeignCandidateDenied(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	_, err := f.service.ReportViolation(context.Background(), &ReportViolationRequest{
		AttemptID: "attempt-1",
		Type:      models.ViolationTabSwitch,
	}, intruder)
	assert.True(t, IsUnauthorized(err))
}

func TestReportViolationUpdatesAttention(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	_, err := f.service.ReportViolation(context.Background(), &ReportViolationRequest{
		AttemptID: "attempt-1",
		Type:      models.ViolationLookingAway,
		Duration:  6.5,
	}, candidate)
	require.NoError(t, err)
	report(t, f, models.ViolationTabSwitch)

	// Zero-duration look-away falls back to the debounce threshold.
	_, err = f.service.ReportViolation(context.Background(), &ReportViolationRequest{
		AttemptID: "attempt-1",
		Type:      models.ViolationLookingAway,
	}, candidate)
	require.NoError(t, err)

	sess, err := f.repo.GetByAttemptID(context.Background(), "attempt-1")
	require.NoError(t, err)
	att := sess.Attention.Data()
	assert.InDelta(t, 11.5, att.TotalLookingAway, 0.001)
	assert.Equal(t, 1, att.TabSwitchCount)
}

func TestReportViolationPublishesAuditEvents(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	report(t, f, models.ViolationTabSwitch)
	report(t, f, models.ViolationCopyPaste)
	report(t, f, models.ViolationPhoneDetected)

	var violationEvents, autoSubmitEvents int
	for _, ev := range f.publisher.GetPublishedEvents() {
		switch ev.Type {
		case broadcast.EventViolationOccurred:
			violationEvents++
		case broadcast.EventAutoSubmitted:
			autoSubmitEvents++
		}
	}
	assert.Equal(t, 3, violationEvents)
	assert.Equal(t, 1, autoSubmitEvents)
}

func TestConcurrentReportsSerializePerAttempt(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.ReportViolation(context.Background(), &ReportViolationRequest{
				AttemptID: "attempt-1",
				Type:      models.ViolationRightClick,
			}, candidate)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sess, err := f.repo.GetByAttemptID(context.Background(), "attempt-1")
	require.NoError(t, err)
	violations, _ := f.repo.ListViolations(context.Background(), "attempt-1")
	assert.Len(t, violations, n)
	// 30 right clicks at 5 points each from 100, floor at 0.
	assert.Equal(t, 0, sess.IntegrityScore)
	assert.Equal(t, 0, sess.StrikeCount)
}

// ===== SNAPSHOTS =====

func TestSnapshotBufferKeepsNewest(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	for i := 0; i < DefaultSnapshotCapacity+5; i++ {
		err := f.service.SaveSnapshot(context.Background(), &SaveSnapshotRequest{
			AttemptID: "attempt-1",
			Image:     fmt.Sprintf("frame-%d", i),
		}, candidate)
		require.NoError(t, err)
	}

	snapshots, err := f.repo.ListSnapshots(context.Background(), "attempt-1")
	require.NoError(t, err)
	require.Len(t, snapshots, DefaultSnapshotCapacity)
	assert.Equal(t, "frame-5", snapshots[0].Image, "oldest frames must be evicted first")
	assert.Equal(t, fmt.Sprintf("frame-%d", DefaultSnapshotCapacity+4), snapshots[len(snapshots)-1].Image)
}

// ===== END =====

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	first, err := f.service.EndSession(context.Background(), "attempt-1", candidate)
	require.NoError(t, err)
	require.NotNil(t, first.SessionEnd)
	assert.False(t, first.IsActive)

	time.Sleep(5 * time.Millisecond)
	second, err := f.service.EndSession(context.Background(), "attempt-1", candidate)
	require.NoError(t, err)
	require.NotNil(t, second.SessionEnd)
	assert.Equal(t, first.SessionEnd.UnixNano(), second.SessionEnd.UnixNano(), "second end must not move the end time")
}

// ===== READS =====

func TestGetReportAccessControl(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)
	report(t, f, models.ViolationTabSwitch)

	owner, err := f.service.GetReport(context.Background(), "attempt-1", candidate)
	require.NoError(t, err)
	assert.Equal(t, 90, owner.Session.IntegrityScore)
	assert.Equal(t, 1, owner.Breakdown[models.ViolationTabSwitch])

	_, err = f.service.GetReport(context.Background(), "attempt-1", recruiter)
	assert.NoError(t, err, "monitoring roles may read any session")

	_, err = f.service.GetReport(context.Background(), "attempt-1", intruder)
	assert.True(t, IsUnauthorized(err))
}

func TestGetActiveSessionsRequiresMonitoringRole(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)

	_, err := f.service.GetActiveSessions(context.Background(), "job-1", candidate)
	assert.True(t, IsUnauthorized(err))

	sessions, err := f.service.GetActiveSessions(context.Background(), "job-1", recruiter)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "attempt-1", sessions[0].AttemptID)
	assert.True(t, sessions[0].IsActive)
}

func TestGetHeatMapBucketsViolations(t *testing.T) {
	f := newFixture(t)
	f.initSession(t)
	report(t, f, models.ViolationTabSwitch)
	report(t, f, models.ViolationPhoneDetected)

	grid, err := f.service.GetHeatMap(context.Background(), "attempt-1", 12, recruiter)
	require.NoError(t, err)
	assert.Equal(t, 2, grid.TotalViolations)
	assert.Len(t, grid.Cells, 12)
}
