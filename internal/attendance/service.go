package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"campusattend/internal/qrtoken"
	"campusattend/internal/session"
	"campusattend/pkg/response"
)

// Service validates scan claims and applies manual corrections.
type Service struct {
	repo         Repository
	campusSecret string
	grace        time.Duration
	now          func() time.Time
}

// NewService creates a service. campusSecret signs campus-wide tokens; grace
// is the expiry tolerance for subject tokens.
func NewService(repo Repository, campusSecret string, grace time.Duration) *Service {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Service{repo: repo, campusSecret: campusSecret, grace: grace, now: time.Now}
}

// ScanResult reports the outcome of a scan submission. AlreadyMarked is a
// soft outcome, not an error: the student's record exists and nothing was
// written.
type ScanResult struct {
	Accepted      bool      `json:"accepted"`
	AlreadyMarked bool      `json:"already_marked,omitempty"`
	Type          string    `json:"attendance_type"`
	Message       string    `json:"message"`
	Subject       string    `json:"subject,omitempty"`
	Date          string    `json:"date,omitempty"`
	MarkedAt      time.Time `json:"marked_at,omitempty"`
}

// SubmitScan validates a raw scanned token for the acting student and records
// attendance. For subject tokens the signature is verified against that
// session's secret before anything else about the token is judged, so a
// forged token learns nothing from the failure mode.
func (s *Service) SubmitScan(ctx context.Context, studentID int64, rawToken string) (*ScanResult, error) {
	env, typ, err := qrtoken.Decode(rawToken)
	if err != nil {
		return nil, fmt.Errorf("invalid QR format: %w", response.ErrInvalid)
	}

	switch typ {
	case qrtoken.TypeSubject:
		return s.submitSubjectScan(ctx, studentID, env, rawToken)
	case qrtoken.TypeCampus:
		return s.submitCampusScan(ctx, studentID, env)
	default:
		return nil, fmt.Errorf("unknown QR type: %w", response.ErrInvalid)
	}
}

func (s *Service) submitSubjectScan(ctx context.Context, studentID int64, env qrtoken.Envelope, rawToken string) (*ScanResult, error) {
	var payload qrtoken.SubjectPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SessionID == "" || payload.Expiry == 0 {
		return nil, fmt.Errorf("invalid subject attendance QR: %w", response.ErrInvalid)
	}

	sess, err := s.repo.GetScanSession(ctx, payload.SessionID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %w", response.ErrNotFound)
	}

	// Per-session secret, not a global one: a token minted for one session
	// can never validate against another.
	if !qrtoken.Verify(payload, env.Signature, sess.SecretKey) {
		return nil, fmt.Errorf("invalid QR signature: %w", response.ErrInvalid)
	}
	if qrtoken.IsExpired(payload.Expiry, s.grace, s.now()) {
		return nil, fmt.Errorf("QR code has expired, ask for the latest QR and try again: %w", response.ErrExpired)
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("attendance session is not active: %w", response.ErrInvalid)
	}

	now := s.now()
	date := now.Format("2006-01-02")
	already, err := s.repo.MarkPresentByScan(ctx, sess.ID, studentID, sess.SubjectID, date, now, rawToken)
	if err != nil {
		return nil, response.Storage(err)
	}
	if already {
		return &ScanResult{AlreadyMarked: true, Type: "subject", Message: "Attendance already marked"}, nil
	}
	return &ScanResult{
		Accepted: true,
		Type:     "subject",
		Message:  "Subject attendance marked successfully",
		Subject:  payload.Subject,
		Date:     date,
		MarkedAt: now,
	}, nil
}

func (s *Service) submitCampusScan(ctx context.Context, studentID int64, env qrtoken.Envelope) (*ScanResult, error) {
	var payload qrtoken.CampusPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Date == "" {
		return nil, fmt.Errorf("invalid campus attendance QR: %w", response.ErrInvalid)
	}
	if !qrtoken.Verify(payload, env.Signature, s.campusSecret) {
		return nil, fmt.Errorf("invalid QR signature: %w", response.ErrInvalid)
	}

	// No per-scan expiry here: the campus QR hangs on a display all day and
	// the unique (student, date) constraint is the replay guard.
	now := s.now()
	already, err := s.repo.MarkCampusExplicit(ctx, studentID, payload.Date, now)
	if err != nil {
		return nil, response.Storage(err)
	}
	if already {
		return &ScanResult{AlreadyMarked: true, Type: "campus", Message: "Campus attendance already marked for today"}, nil
	}
	return &ScanResult{
		Accepted: true,
		Type:     "campus",
		Message:  "Campus attendance marked successfully",
		Date:     payload.Date,
		MarkedAt: now,
	}, nil
}

// CampusTokenResult carries today's campus QR token and render hint.
type CampusTokenResult struct {
	QRData     string `json:"qr_data"`
	QRImageURL string `json:"qr_image_url"`
	Date       string `json:"date"`
}

// CampusToken mints the campus-wide QR token for today.
func (s *Service) CampusToken() (*CampusTokenResult, error) {
	now := s.now()
	date := now.Format("2006-01-02")
	raw, err := qrtoken.IssueCampus(date, s.campusSecret, now)
	if err != nil {
		return nil, err
	}
	return &CampusTokenResult{QRData: raw, QRImageURL: qrtoken.ImageURL(raw, 300), Date: date}, nil
}

// MarkManual applies an instructor's mark for a student in a session the
// instructor owns. Works for active and completed sessions; the audit entry's
// old status is nil when no record existed.
func (s *Service) MarkManual(ctx context.Context, facultyID, sessionID, studentID int64, status RecordStatus, reason string) (*ManualMarkResult, error) {
	if status != StatusPresent && status != StatusAbsent {
		return nil, fmt.Errorf("invalid status: %w", response.ErrInvalid)
	}
	meta, err := s.sessionOwnedBy(ctx, sessionID, facultyID)
	if err != nil {
		return nil, err
	}
	res, err := s.repo.ApplyManualMark(ctx, ManualMarkParams{
		SessionID:    sessionID,
		StudentID:    studentID,
		SubjectID:    meta.SubjectID,
		Date:         meta.Date,
		NewStatus:    status,
		Reason:       reason,
		ActingUserID: facultyID,
	})
	if err != nil {
		return nil, response.Storage(err)
	}
	return res, nil
}

// Modify corrects a student's mark on a completed session, addressing the
// student by their student number. When no record existed the audit entry
// records the old status as absent, since that is what the missing record
// meant in practice.
func (s *Service) Modify(ctx context.Context, facultyID int64, sessionID int64, studentNumber string, status RecordStatus, reason string) (*ManualMarkResult, error) {
	if status != StatusPresent && status != StatusAbsent {
		return nil, fmt.Errorf("invalid status: %w", response.ErrInvalid)
	}
	studentID, err := s.repo.FindStudentByNumber(ctx, studentNumber)
	if err != nil {
		return nil, response.Storage(err)
	}
	if studentID == 0 {
		return nil, fmt.Errorf("student not found: %w", response.ErrNotFound)
	}
	meta, err := s.sessionOwnedBy(ctx, sessionID, facultyID)
	if err != nil {
		return nil, err
	}
	if meta.Status != session.StatusCompleted {
		return nil, fmt.Errorf("session is not completed: %w", response.ErrInvalid)
	}
	absent := string(StatusAbsent)
	res, err := s.repo.ApplyManualMark(ctx, ManualMarkParams{
		SessionID:        sessionID,
		StudentID:        studentID,
		SubjectID:        meta.SubjectID,
		Date:             meta.Date,
		NewStatus:        status,
		Reason:           reason,
		ActingUserID:     facultyID,
		DefaultOldStatus: &absent,
	})
	if err != nil {
		return nil, response.Storage(err)
	}
	return res, nil
}

// SessionRoster lists the marks of a session the instructor owns.
func (s *Service) SessionRoster(ctx context.Context, facultyID, sessionID int64) ([]RosterEntry, error) {
	if _, err := s.sessionOwnedBy(ctx, sessionID, facultyID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListSessionRecords(ctx, sessionID)
	if err != nil {
		return nil, response.Storage(err)
	}
	return entries, nil
}

// StudentHistory lists the acting student's own attendance, newest first.
func (s *Service) StudentHistory(ctx context.Context, studentID int64, limit int) ([]HistoryEntry, error) {
	entries, err := s.repo.ListStudentHistory(ctx, studentID, clampLimit(limit))
	if err != nil {
		return nil, response.Storage(err)
	}
	return entries, nil
}

// AuditLog lists manual-change entries, newest first, bounded page.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	entries, err := s.repo.ListAuditEntries(ctx, clampLimit(limit))
	if err != nil {
		return nil, response.Storage(err)
	}
	return entries, nil
}

func (s *Service) sessionOwnedBy(ctx context.Context, sessionID, facultyID int64) (*SessionMeta, error) {
	meta, err := s.repo.GetSessionMeta(ctx, sessionID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if meta == nil {
		return nil, fmt.Errorf("session not found: %w", response.ErrNotFound)
	}
	if meta.FacultyID != facultyID {
		return nil, fmt.Errorf("you do not own this session: %w", response.ErrForbidden)
	}
	return meta, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
