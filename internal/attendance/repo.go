package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetScanSession looks a session up by its opaque identifier, or nil.
func (r *PostgresRepository) GetScanSession(ctx context.Context, identifier string) (*ScanSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, secret_key, status
		FROM attendance_sessions WHERE session_identifier = $1
	`, identifier)
	var sess ScanSession
	if err := row.Scan(&sess.ID, &sess.SubjectID, &sess.SecretKey, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// MarkPresentByScan writes the scan's full effect set in one transaction: the
// attendance record, the counter increment, and the derived campus upsert.
// The unique (session_id, student_id) constraint absorbs concurrent double
// submissions; losing the race reads as "already marked", not as a failure.
func (r *PostgresRepository) MarkPresentByScan(ctx context.Context, sessionID, studentID, subjectID int64, date string, markedAt time.Time, rawToken string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO subject_attendance (id, session_id, student_id, subject_id, attendance_date, status, marked_at, marked_method, qr_data)
		VALUES ($1, $2, $3, $4, $5::date, 'present', $6, 'qr_scan', $7)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, uuid.NewString(), sessionID, studentID, subjectID, date, markedAt, rawToken)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return true, nil
	}

	// Single atomic increment; never read-modify-write.
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_sessions SET qr_scan_count = qr_scan_count + 1 WHERE id = $1
	`, sessionID); err != nil {
		return false, err
	}

	if err := upsertDerivedCampus(ctx, tx, studentID, date, markedAt); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// upsertDerivedCampus records derived campus presence. An existing present
// record is never downgraded: an explicit earlier mark, or an earlier
// derivation, stands.
func upsertDerivedCampus(ctx context.Context, tx *sql.Tx, studentID int64, date string, markedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO campus_attendance (id, student_id, attendance_date, status, marked_at, is_derived)
		VALUES ($1, $2, $3::date, 'present', $4, TRUE)
		ON CONFLICT (student_id, attendance_date) DO UPDATE
		SET status = 'present', is_derived = TRUE, updated_at = $4
		WHERE campus_attendance.status <> 'present'
	`, uuid.NewString(), studentID, date, markedAt)
	return err
}

// MarkCampusExplicit records an explicit campus mark; any existing record for
// the (student, date) pair means "already marked".
func (r *PostgresRepository) MarkCampusExplicit(ctx context.Context, studentID int64, date string, markedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO campus_attendance (id, student_id, attendance_date, status, marked_at, is_derived)
		VALUES ($1, $2, $3::date, 'present', $4, FALSE)
		ON CONFLICT (student_id, attendance_date) DO NOTHING
	`, uuid.NewString(), studentID, date, markedAt)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 0, nil
}

// GetSessionMeta returns the session fields the correction path needs, or nil.
func (r *PostgresRepository) GetSessionMeta(ctx context.Context, sessionID int64) (*SessionMeta, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, faculty_id, subject_id, status, to_char(started_at, 'YYYY-MM-DD')
		FROM attendance_sessions WHERE id = $1
	`, sessionID)
	var meta SessionMeta
	if err := row.Scan(&meta.ID, &meta.FacultyID, &meta.SubjectID, &meta.Status, &meta.Date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

// FindStudentByNumber resolves a student number (e.g. STU001) to the user id,
// or 0 when no such student exists.
func (r *PostgresRepository) FindStudentByNumber(ctx context.Context, number string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM users WHERE student_number = $1 AND role = 'student'
	`, number).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// ApplyManualMark updates or inserts the record, appends the audit entry, and
// upserts campus presence when marking present, all in one transaction.
func (r *PostgresRepository) ApplyManualMark(ctx context.Context, p ManualMarkParams) (*ManualMarkResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	markedAt := time.Now().UTC()
	var recordID string
	var oldStatus *string

	var existingID, existingStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT id, status FROM subject_attendance
		WHERE session_id = $1 AND student_id = $2
		FOR UPDATE
	`, p.SessionID, p.StudentID).Scan(&existingID, &existingStatus)
	switch {
	case err == nil:
		recordID = existingID
		oldStatus = &existingStatus
		if _, err := tx.ExecContext(ctx, `
			UPDATE subject_attendance
			SET status = $2, marked_at = $3, marked_method = 'manual', updated_at = $3
			WHERE id = $1
		`, recordID, p.NewStatus, markedAt); err != nil {
			return nil, err
		}
	case errors.Is(err, sql.ErrNoRows):
		recordID = uuid.NewString()
		oldStatus = p.DefaultOldStatus
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subject_attendance (id, session_id, student_id, subject_id, attendance_date, status, marked_at, marked_method)
			VALUES ($1, $2, $3, $4, $5::date, $6, $7, 'manual')
		`, recordID, p.SessionID, p.StudentID, p.SubjectID, p.Date, p.NewStatus, markedAt); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, attendance_type, attendance_id, student_id, modified_by, old_status, new_status, reason)
		VALUES ($1, 'subject', $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), recordID, p.StudentID, p.ActingUserID, oldStatus, p.NewStatus, p.Reason); err != nil {
		return nil, err
	}

	if p.NewStatus == StatusPresent {
		if err := upsertDerivedCampus(ctx, tx, p.StudentID, p.Date, markedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ManualMarkResult{RecordID: recordID, OldStatus: oldStatus, NewStatus: string(p.NewStatus)}, nil
}

// ListSessionRecords returns a session's roster ordered by student name.
func (r *PostgresRepository) ListSessionRecords(ctx context.Context, sessionID int64) ([]RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sa.id, sa.student_id, u.full_name, COALESCE(u.student_number, ''), sa.status, sa.marked_method, sa.marked_at
		FROM subject_attendance sa
		JOIN users u ON sa.student_id = u.id
		WHERE sa.session_id = $1
		ORDER BY u.full_name
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.RecordID, &e.StudentID, &e.StudentName, &e.StudentNumber, &e.Status, &e.Method, &e.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListStudentHistory returns a student's subject attendance, newest first.
func (r *PostgresRepository) ListStudentHistory(ctx context.Context, studentID int64, limit int) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sa.id, sa.session_id, sub.subject_code, sub.subject_name,
		       to_char(sa.attendance_date, 'YYYY-MM-DD'), sa.status, sa.marked_method, sa.marked_at
		FROM subject_attendance sa
		JOIN subjects sub ON sa.subject_id = sub.id
		WHERE sa.student_id = $1
		ORDER BY sa.marked_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.RecordID, &e.SessionID, &e.SubjectCode, &e.SubjectName, &e.Date, &e.Status, &e.Method, &e.MarkedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListAuditEntries returns audit entries in reverse-chronological order.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, attendance_type, attendance_id, student_id, modified_by, old_status, new_status, reason, created_at
		FROM attendance_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var old sql.NullString
		if err := rows.Scan(&e.ID, &e.AttendanceType, &e.AttendanceID, &e.StudentID, &e.ModifiedBy, &old, &e.NewStatus, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if old.Valid {
			e.OldStatus = &old.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
