package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepository persists sessions, slots, and subjects in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetSubject returns the subject, or nil if not found.
func (r *PostgresRepository) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_code, subject_name, COALESCE(department, ''), COALESCE(semester, 0)
		FROM subjects WHERE id = $1
	`, id)
	var sub Subject
	if err := row.Scan(&sub.ID, &sub.Code, &sub.Name, &sub.Department, &sub.Semester); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// GetFacultyName returns the instructor's display name.
func (r *PostgresRepository) GetFacultyName(ctx context.Context, id int64) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT full_name FROM users WHERE id = $1`, id).Scan(&name)
	return name, err
}

// GetSlotForFaculty returns the slot only when it belongs to the instructor,
// or nil otherwise.
func (r *PostgresRepository) GetSlotForFaculty(ctx context.Context, slotID, facultyID int64) (*Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, faculty_id, day_of_week, lecture_date,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		       COALESCE(room, ''), attendance_status
		FROM timetable WHERE id = $1 AND faculty_id = $2
	`, slotID, facultyID)
	var slot Slot
	if err := row.Scan(&slot.ID, &slot.SubjectID, &slot.FacultyID, &slot.DayOfWeek, &slot.LectureDate,
		&slot.StartTime, &slot.EndTime, &slot.Room, &slot.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &slot, nil
}

// CreateSlot inserts a timetable entry.
func (r *PostgresRepository) CreateSlot(ctx context.Context, slot *Slot) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO timetable (subject_id, faculty_id, day_of_week, lecture_date, start_time, end_time, room, attendance_status)
		VALUES ($1, $2, $3, $4, $5::time, $6::time, $7, $8)
		RETURNING id
	`, slot.SubjectID, slot.FacultyID, slot.DayOfWeek, slot.LectureDate, slot.StartTime, slot.EndTime,
		nullIfEmpty(slot.Room), slot.Status).Scan(&slot.ID)
}

// CreateSession inserts the session and marks a linked slot active in the
// same transaction. The partial unique index on (subject_id, faculty_id)
// WHERE status='active' makes the duplicate check atomic; a violation is
// reported as ErrDuplicateActive.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (subject_id, faculty_id, timetable_id, session_identifier, secret_key, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.SubjectID, s.FacultyID, s.TimetableID, s.Identifier, s.SecretKey, s.Status, s.StartedAt).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActive
		}
		return err
	}

	if s.TimetableID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE timetable SET attendance_status = 'active' WHERE id = $1
		`, *s.TimetableID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const sessionColumns = `
	s.id, s.subject_id, s.faculty_id, s.timetable_id, s.session_identifier, s.secret_key,
	s.status, s.qr_scan_count, s.physical_headcount, s.headcount_verified, s.started_at, s.ended_at,
	sub.subject_name, sub.subject_code, u.full_name`

// GetSession returns a session with joined subject and instructor names, or
// nil if not found.
func (r *PostgresRepository) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions s
		JOIN subjects sub ON s.subject_id = sub.id
		JOIN users u ON s.faculty_id = u.id
		WHERE s.id = $1
	`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// ListActiveByFaculty returns the instructor's active sessions, newest first.
func (r *PostgresRepository) ListActiveByFaculty(ctx context.Context, facultyID int64) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions s
		JOIN subjects sub ON s.subject_id = sub.id
		JOIN users u ON s.faculty_id = u.id
		WHERE s.faculty_id = $1 AND s.status = 'active'
		ORDER BY s.started_at DESC
	`, facultyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *sess)
	}
	return res, rows.Err()
}

// CompleteSession finalizes the session, mirrors the linked slot, and
// optionally back-fills absent records, all inside one transaction. The scan
// count comes from the completing UPDATE itself so late scans that landed
// after the caller's read are still reflected.
func (r *PostgresRepository) CompleteSession(ctx context.Context, id int64, endedAt time.Time, headcount *int, headcountVerified bool, backfillAbsent bool) (int, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Guarding on status='active' makes a concurrent double-end lose cleanly.
	var timetableID sql.NullInt64
	var subjectID int64
	var scanCount int
	var startedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE attendance_sessions
		SET status = 'completed', ended_at = $2, physical_headcount = $3, headcount_verified = $4
		WHERE id = $1 AND status = 'active'
		RETURNING timetable_id, subject_id, qr_scan_count, started_at
	`, id, endedAt, headcount, headcountVerified).Scan(&timetableID, &subjectID, &scanCount, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotActive
		}
		return 0, 0, err
	}

	if timetableID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE timetable SET attendance_status = 'completed' WHERE id = $1
		`, timetableID.Int64); err != nil {
			return 0, 0, err
		}
	}

	backfilled := 0
	if backfillAbsent {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subject_attendance (id, session_id, student_id, subject_id, attendance_date, status, marked_at, marked_method)
			SELECT gen_random_uuid(), $1, u.id, $2, $3::date, 'absent', $4, 'auto_absent'
			FROM users u
			WHERE u.role = 'student'
			  AND NOT EXISTS (
				SELECT 1 FROM subject_attendance sa
				WHERE sa.session_id = $1 AND sa.student_id = u.id
			  )
		`, id, subjectID, startedAt.Format("2006-01-02"), endedAt)
		if err != nil {
			return 0, 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			backfilled = int(n)
		}
	}

	return scanCount, backfilled, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var timetableID sql.NullInt64
	var headcount sql.NullInt64
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.SubjectID, &sess.FacultyID, &timetableID, &sess.Identifier, &sess.SecretKey,
		&sess.Status, &sess.QRScanCount, &headcount, &sess.HeadcountVerified, &sess.StartedAt, &endedAt,
		&sess.SubjectName, &sess.SubjectCode, &sess.FacultyName); err != nil {
		return nil, err
	}
	if timetableID.Valid {
		sess.TimetableID = &timetableID.Int64
	}
	if headcount.Valid {
		v := int(headcount.Int64)
		sess.PhysicalHeadcount = &v
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
