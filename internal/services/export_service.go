package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skillscreen/proctoring-service/internal/heatmap"
	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories"
	"github.com/xuri/excelize/v2"
)

// ExportService produces downloadable audit artifacts for recruiters.
type ExportService interface {
	ExportSessionReport(ctx context.Context, attemptID string, caller models.Identity) ([]byte, error)
	ExportJobSessions(ctx context.Context, jobID string, caller models.Identity) ([]byte, error)
}

type exportService struct {
	repo   repositories.Repository
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, logger *slog.Logger) ExportService {
	return &exportService{
		repo:   repo,
		logger: logger,
	}
}

// ExportSessionReport writes one session's full violation log and attention
// summary to an Excel workbook.
func (s *exportService) ExportSessionReport(ctx context.Context, attemptID string, caller models.Identity) ([]byte, error) {
	if !caller.CanMonitor() {
		return nil, NewPermissionError(caller.UserID, attemptID, "session", "export", "export requires recruiter or admin role")
	}

	session, err := s.repo.Proctoring().GetByAttemptIDWithDetails(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	f := excelize.NewFile()
	sheetName := "Violations"

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"Timestamp", "Type", "Details", "Penalty", "Duration (s)",
	}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for rowIndex, v := range session.Violations {
		row := []interface{}{
			v.Timestamp.Format("2006-01-02 15:04:05"),
			string(v.Type),
			v.Details,
			v.Penalty,
			v.Duration,
		}
		for colIndex, value := range row {
			cell := fmt.Sprintf("%c%d", 'A'+colIndex, rowIndex+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}

	s.writeSummarySheet(f, session)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}

	s.logger.Info("Session report exported",
		"attempt_id", attemptID,
		"violations", len(session.Violations),
		"user_id", caller.UserID)
	return buf.Bytes(), nil
}

// ExportJobSessions writes one row per session of a job, mirroring the
// monitoring dashboard.
func (s *exportService) ExportJobSessions(ctx context.Context, jobID string, caller models.Identity) ([]byte, error) {
	if !caller.CanMonitor() {
		return nil, NewPermissionError(caller.UserID, jobID, "job", "export", "export requires recruiter or admin role")
	}

	sessions, err := s.repo.Proctoring().GetByJob(ctx, jobID, repositories.SessionFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	f := excelize.NewFile()
	sheetName := "Sessions"

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"Attempt ID", "Candidate ID", "Integrity Score", "Strikes", "Violations",
		"Auto Submitted", "Webcam", "Active", "Session Start", "Session End",
	}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for rowIndex, sess := range sessions {
		row := []interface{}{
			sess.AttemptID,
			sess.CandidateID,
			sess.IntegrityScore,
			sess.StrikeCount,
			len(sess.Violations),
			sess.AutoSubmitted,
			sess.WebcamEnabled,
			sess.IsActive,
			sess.SessionStart.Format("2006-01-02 15:04:05"),
		}
		if sess.SessionEnd != nil {
			row = append(row, sess.SessionEnd.Format("2006-01-02 15:04:05"))
		} else {
			row = append(row, "")
		}

		for colIndex, value := range row {
			cell := fmt.Sprintf("%c%d", 'A'+colIndex, rowIndex+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *exportService) writeSummarySheet(f *excelize.File, session *models.ProctoringSession) {
	sheetName := "Summary"
	if _, err := f.NewSheet(sheetName); err != nil {
		s.logger.Warn("failed to create summary sheet", "error", err)
		return
	}

	att := heatmap.Summarize(session.Attention.Data(), session.Duration(session.UpdatedAt))

	rows := [][]interface{}{
		{"Attempt ID", session.AttemptID},
		{"Candidate ID", session.CandidateID},
		{"Job ID", session.JobID},
		{"Integrity Score", session.IntegrityScore},
		{"Strike Count", session.StrikeCount},
		{"Auto Submitted", session.AutoSubmitted},
		{"Attention %", att.AttentionPercent},
		{"Looking Away (s)", att.AwaySeconds},
	}
	if session.AutoSubmitReason != nil {
		rows = append(rows, []interface{}{"Auto Submit Reason", *session.AutoSubmitReason})
	}

	for rowIndex, row := range rows {
		for colIndex, value := range row {
			cell := fmt.Sprintf("%c%d", 'A'+colIndex, rowIndex+1)
			f.SetCellValue(sheetName, cell, value)
		}
	}
}
