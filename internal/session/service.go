package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"campusattend/internal/qrtoken"
	"campusattend/pkg/response"
)

// Service coordinates the session state machine and token rotation.
type Service struct {
	repo           Repository
	qrTTL          time.Duration
	rotation       time.Duration
	backfillAbsent bool
	now            func() time.Time
}

// NewService creates a service backed by a repository. backfillAbsent enables
// automatic absent marks at session end; the default deployment leaves it off
// and relies on manual correction.
func NewService(repo Repository, qrTTL, rotation time.Duration, backfillAbsent bool) *Service {
	if qrTTL <= 0 {
		qrTTL = 30 * time.Second
	}
	if rotation <= 0 {
		rotation = qrTTL
	}
	return &Service{
		repo:           repo,
		qrTTL:          qrTTL,
		rotation:       rotation,
		backfillAbsent: backfillAbsent,
		now:            time.Now,
	}
}

// StartResult is returned to the owning instructor; it is the only place the
// session secret ever leaves the service.
type StartResult struct {
	Session   Session `json:"session"`
	SecretKey string  `json:"secret_key"`
}

// Start opens a new attendance session for the subject. When slotID is given
// the slot must belong to the instructor and the current day and time must
// fall inside its scheduled window.
func (s *Service) Start(ctx context.Context, facultyID, subjectID int64, slotID *int64) (*StartResult, error) {
	subject, err := s.repo.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if subject == nil {
		return nil, fmt.Errorf("subject not found: %w", response.ErrNotFound)
	}

	now := s.now()
	if slotID != nil {
		slot, err := s.repo.GetSlotForFaculty(ctx, *slotID, facultyID)
		if err != nil {
			return nil, response.Storage(err)
		}
		if slot == nil {
			return nil, fmt.Errorf("timetable slot not found for this faculty: %w", response.ErrNotFound)
		}
		if err := checkSlotWindow(slot, now); err != nil {
			return nil, err
		}
	}

	identifier, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(64)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		SubjectID:   subjectID,
		FacultyID:   facultyID,
		TimetableID: slotID,
		Identifier:  identifier,
		SecretKey:   secret,
		Status:      StatusActive,
		StartedAt:   now,
		SubjectName: subject.Name,
		SubjectCode: subject.Code,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		if err == ErrDuplicateActive {
			return nil, fmt.Errorf("an active attendance session already exists for this subject: %w", response.ErrConflict)
		}
		return nil, response.Storage(err)
	}

	if name, err := s.repo.GetFacultyName(ctx, facultyID); err == nil {
		sess.FacultyName = name
	}
	return &StartResult{Session: *sess, SecretKey: secret}, nil
}

// checkSlotWindow enforces the scheduled day and the [start, end) time window.
func checkSlotWindow(slot *Slot, now time.Time) error {
	if slot.DayOfWeek == "" {
		return fmt.Errorf("timetable slot has no scheduled day: %w", response.ErrInvalid)
	}
	if now.Weekday().String() != slot.DayOfWeek {
		return fmt.Errorf("cannot start attendance outside the scheduled day (%s): %w", slot.DayOfWeek, response.ErrForbidden)
	}
	nowHM := now.Format("15:04")
	if nowHM < slot.StartTime || nowHM >= slot.EndTime {
		return fmt.Errorf("cannot start attendance outside the scheduled window %s-%s: %w", slot.StartTime, slot.EndTime, response.ErrForbidden)
	}
	return nil
}

// TokenResult carries one rotation's QR token plus rendering hints.
type TokenResult struct {
	QRData           string `json:"qr_data"`
	QRImageURL       string `json:"qr_image_url"`
	ExpirySeconds    int    `json:"expiry_seconds"`
	RotationInterval int    `json:"rotation_interval"`
}

// CurrentToken mints a fresh signed token for an active session owned by the
// caller. The display should re-fetch every RotationInterval seconds.
func (s *Service) CurrentToken(ctx context.Context, facultyID, sessionID int64) (*TokenResult, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %w", response.ErrNotFound)
	}
	if sess.FacultyID != facultyID {
		return nil, fmt.Errorf("you do not own this session: %w", response.ErrForbidden)
	}
	if sess.Status != StatusActive {
		return nil, fmt.Errorf("session is not active: %w", response.ErrInvalid)
	}

	raw, err := qrtoken.IssueSubject(sess.Identifier, sess.SubjectName, sess.FacultyName, sess.SecretKey, s.qrTTL, s.now())
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		QRData:           raw,
		QRImageURL:       qrtoken.ImageURL(raw, 300),
		ExpirySeconds:    int(s.qrTTL.Seconds()),
		RotationInterval: int(s.rotation.Seconds()),
	}, nil
}

// EndResult reports the finalized session. A headcount mismatch is
// informational; it never blocks completion.
type EndResult struct {
	ID                int64      `json:"id"`
	EndedAt           time.Time  `json:"ended_at"`
	QRScanCount       int        `json:"qr_scan_count"`
	PhysicalHeadcount *int       `json:"physical_headcount"`
	CountMismatch     bool       `json:"count_mismatch"`
	MismatchMessage   *string    `json:"mismatch_message"`
	AbsentBackfilled  int        `json:"absent_backfilled,omitempty"`
}

// End completes an active session owned by the caller. When a physical
// headcount is supplied it is compared with the scan counter and a mismatch
// is flagged for manual reconciliation.
func (s *Service) End(ctx context.Context, facultyID, sessionID int64, physicalHeadcount *int) (*EndResult, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %w", response.ErrNotFound)
	}
	if sess.FacultyID != facultyID {
		return nil, fmt.Errorf("you do not have permission to end this session: %w", response.ErrForbidden)
	}
	if sess.Status != StatusActive {
		return nil, fmt.Errorf("session is not active: %w", response.ErrInvalid)
	}

	endedAt := s.now()
	headcountVerified := physicalHeadcount != nil
	// The scan count in the result comes from the completing write, not the
	// read above; a scan landing in between still counts.
	scanCount, backfilled, err := s.repo.CompleteSession(ctx, sessionID, endedAt, physicalHeadcount, headcountVerified, s.backfillAbsent)
	if err != nil {
		if err == ErrNotActive {
			// Lost a race with a concurrent end; the state machine wins.
			return nil, fmt.Errorf("session is not active: %w", response.ErrInvalid)
		}
		return nil, response.Storage(err)
	}

	res := &EndResult{
		ID:                sessionID,
		EndedAt:           endedAt,
		QRScanCount:       scanCount,
		PhysicalHeadcount: physicalHeadcount,
		AbsentBackfilled:  backfilled,
	}
	if headcountVerified && *physicalHeadcount != scanCount {
		res.CountMismatch = true
		msg := "QR scan count and physical headcount do not match. Please review and manually mark missing students."
		res.MismatchMessage = &msg
	}
	return res, nil
}

// ActiveSessions lists the caller's currently active sessions.
func (s *Service) ActiveSessions(ctx context.Context, facultyID int64) ([]Session, error) {
	sessions, err := s.repo.ListActiveByFaculty(ctx, facultyID)
	if err != nil {
		return nil, response.Storage(err)
	}
	return sessions, nil
}

// ScheduleSlot creates a timetable entry owned by the caller. The day of week
// is derived from the lecture date.
func (s *Service) ScheduleSlot(ctx context.Context, facultyID, subjectID int64, lectureDate time.Time, startTime, endTime, room string) (*Slot, error) {
	subject, err := s.repo.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, response.Storage(err)
	}
	if subject == nil {
		return nil, fmt.Errorf("subject not found: %w", response.ErrNotFound)
	}
	if !validHM(startTime) || !validHM(endTime) || startTime >= endTime {
		return nil, fmt.Errorf("invalid lecture time window: %w", response.ErrInvalid)
	}

	slot := &Slot{
		SubjectID:   subjectID,
		FacultyID:   facultyID,
		DayOfWeek:   lectureDate.Weekday().String(),
		LectureDate: lectureDate,
		StartTime:   startTime,
		EndTime:     endTime,
		Room:        room,
		Status:      SlotNotStarted,
	}
	if err := s.repo.CreateSlot(ctx, slot); err != nil {
		return nil, response.Storage(err)
	}
	return slot, nil
}

func validHM(v string) bool {
	_, err := time.Parse("15:04", v)
	return err == nil
}

// randomHex returns n random bytes hex-encoded (2n characters).
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy source failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
