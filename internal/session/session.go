// Package session manages the attendance-session lifecycle: starting a
// time-boxed session, rotating its QR token, and ending it with an optional
// headcount check. A session moves active -> completed and never reopens.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the closed set of session states.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// SlotStatus is the closed set of timetable-slot states.
type SlotStatus string

const (
	SlotNotStarted SlotStatus = "not_started"
	SlotActive     SlotStatus = "active"
	SlotCompleted  SlotStatus = "completed"
)

// Subject is immutable reference data.
type Subject struct {
	ID         int64  `json:"id"`
	Code       string `json:"subject_code"`
	Name       string `json:"subject_name"`
	Department string `json:"department,omitempty"`
	Semester   int    `json:"semester,omitempty"`
}

// Slot is a calendar-scheduled lecture entry, independent of whether
// attendance was ever taken for it.
type Slot struct {
	ID          int64      `json:"id"`
	SubjectID   int64      `json:"subject_id"`
	FacultyID   int64      `json:"faculty_id"`
	DayOfWeek   string     `json:"day_of_week"`
	LectureDate time.Time  `json:"lecture_date"`
	StartTime   string     `json:"start_time"` // HH:MM
	EndTime     string     `json:"end_time"`   // HH:MM
	Room        string     `json:"room,omitempty"`
	Status      SlotStatus `json:"attendance_status"`
}

// Session is one attendance window for a subject taught by one instructor.
// SecretKey signs that session's QR tokens and is never serialized; students
// only ever see derived signed tokens.
type Session struct {
	ID                int64      `json:"id"`
	SubjectID         int64      `json:"subject_id"`
	FacultyID         int64      `json:"faculty_id"`
	TimetableID       *int64     `json:"timetable_id,omitempty"`
	Identifier        string     `json:"session_identifier"`
	SecretKey         string     `json:"-"`
	Status            Status     `json:"status"`
	QRScanCount       int        `json:"qr_scan_count"`
	PhysicalHeadcount *int       `json:"physical_headcount,omitempty"`
	HeadcountVerified bool       `json:"headcount_verified"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`

	SubjectName string `json:"subject_name,omitempty"`
	SubjectCode string `json:"subject_code,omitempty"`
	FacultyName string `json:"faculty_name,omitempty"`
}

// Repository sentinel errors surfaced to the service layer.
var (
	// ErrDuplicateActive reports the partial unique index rejecting a second
	// active session for the same (subject, faculty).
	ErrDuplicateActive = errors.New("active session already exists")
	// ErrNotActive reports a state-machine guard rejecting an update because
	// the session is no longer active.
	ErrNotActive = errors.New("session is not active")
)

// Repository persists sessions, slots, and subjects.
type Repository interface {
	GetSubject(ctx context.Context, id int64) (*Subject, error)
	GetFacultyName(ctx context.Context, id int64) (string, error)
	GetSlotForFaculty(ctx context.Context, slotID, facultyID int64) (*Slot, error)
	CreateSlot(ctx context.Context, slot *Slot) error

	// CreateSession inserts the session and, when linked to a slot, marks the
	// slot active in the same transaction. Returns ErrDuplicateActive when an
	// active session already exists for the (subject, faculty) pair.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	ListActiveByFaculty(ctx context.Context, facultyID int64) ([]Session, error)

	// CompleteSession flips the session to completed, mirrors the linked slot,
	// and optionally back-fills absent records for non-scanning students, all
	// in one transaction. Returns the scan count captured by the completing
	// write (a scan can land between an earlier read and the completion, so
	// callers must not trust a prior read) and the number of back-filled
	// records, or ErrNotActive when the session was already completed.
	CompleteSession(ctx context.Context, id int64, endedAt time.Time, headcount *int, headcountVerified bool, backfillAbsent bool) (scanCount, backfilled int, err error)
}
