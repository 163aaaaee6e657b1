// Package attendance turns scan claims and manual corrections into attendance
// state. The scan path is the only place untrusted client input becomes
// state; every check in it exists to stop forgery, replay, or cross-session
// token reuse.
package attendance

import (
	"context"
	"time"

	"campusattend/internal/session"
)

// RecordStatus is the closed set of attendance states.
type RecordStatus string

const (
	StatusPresent RecordStatus = "present"
	StatusAbsent  RecordStatus = "absent"
)

// Method records how an attendance mark came to exist.
type Method string

const (
	MethodQRScan     Method = "qr_scan"
	MethodManual     Method = "manual"
	MethodAutoAbsent Method = "auto_absent"
)

// ScanSession is the slice of a session the scan path needs.
type ScanSession struct {
	ID        int64
	SubjectID int64
	SecretKey string
	Status    session.Status
}

// SessionMeta is the slice of a session the manual-correction path needs.
type SessionMeta struct {
	ID        int64
	FacultyID int64
	SubjectID int64
	Status    session.Status
	Date      string // YYYY-MM-DD of started_at
}

// RosterEntry is one student's mark within a session.
type RosterEntry struct {
	RecordID      string       `json:"record_id"`
	StudentID     int64        `json:"student_id"`
	StudentName   string       `json:"student_name"`
	StudentNumber string       `json:"student_number,omitempty"`
	Status        RecordStatus `json:"status"`
	Method        Method       `json:"marked_method"`
	MarkedAt      time.Time    `json:"marked_at"`
}

// HistoryEntry is one row of a student's own attendance history.
type HistoryEntry struct {
	RecordID    string       `json:"record_id"`
	SessionID   int64        `json:"session_id"`
	SubjectCode string       `json:"subject_code"`
	SubjectName string       `json:"subject_name"`
	Date        string       `json:"attendance_date"`
	Status      RecordStatus `json:"status"`
	Method      Method       `json:"marked_method"`
	MarkedAt    time.Time    `json:"marked_at"`
}

// AuditEntry is an immutable record of a manual status change. Nothing in the
// application updates or deletes these rows.
type AuditEntry struct {
	ID             string    `json:"id"`
	AttendanceType string    `json:"attendance_type"`
	AttendanceID   string    `json:"attendance_id"`
	StudentID      int64     `json:"student_id"`
	ModifiedBy     int64     `json:"modified_by"`
	OldStatus      *string   `json:"old_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// ManualMarkParams describes one manual correction.
type ManualMarkParams struct {
	SessionID    int64
	StudentID    int64
	SubjectID    int64
	Date         string
	NewStatus    RecordStatus
	Reason       string
	ActingUserID int64
	// DefaultOldStatus is recorded in the audit entry when no prior record
	// existed (nil for a plain manual mark, "absent" for a post-session
	// correction).
	DefaultOldStatus *string
}

// ManualMarkResult reports the applied correction.
type ManualMarkResult struct {
	RecordID  string  `json:"record_id"`
	OldStatus *string `json:"old_status"`
	NewStatus string  `json:"new_status"`
}

// Repository persists attendance state. Multi-step writes are transactional:
// either the full set of effects for an operation commits or none does.
type Repository interface {
	// GetScanSession looks a session up by its opaque identifier, or nil.
	GetScanSession(ctx context.Context, identifier string) (*ScanSession, error)

	// MarkPresentByScan inserts the attendance record, increments the
	// session's scan counter by one, and upserts the derived campus-presence
	// record, atomically. Returns already=true (and writes nothing) when the
	// (session, student) pair is already marked.
	MarkPresentByScan(ctx context.Context, sessionID, studentID, subjectID int64, date string, markedAt time.Time, rawToken string) (already bool, err error)

	// MarkCampusExplicit records an explicit campus presence for the date.
	// Returns already=true when any record for (student, date) exists.
	MarkCampusExplicit(ctx context.Context, studentID int64, date string, markedAt time.Time) (already bool, err error)

	GetSessionMeta(ctx context.Context, sessionID int64) (*SessionMeta, error)
	FindStudentByNumber(ctx context.Context, number string) (int64, error)

	// ApplyManualMark updates or inserts the record, appends exactly one
	// audit entry, and upserts campus presence when the new status is
	// present, atomically.
	ApplyManualMark(ctx context.Context, p ManualMarkParams) (*ManualMarkResult, error)

	ListSessionRecords(ctx context.Context, sessionID int64) ([]RosterEntry, error)
	ListStudentHistory(ctx context.Context, studentID int64, limit int) ([]HistoryEntry, error)
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
}
