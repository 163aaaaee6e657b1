package reconcile

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store against the live schema.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	orphanAttendancePredicate = `
		NOT EXISTS (
			SELECT 1 FROM attendance_sessions s WHERE s.id = sa.session_id
		)`

	// Completed slots only. An active slot without a session is left alone:
	// minting an active session here would occupy the
	// one-active-per-(subject,faculty) index with a secret nobody holds and
	// reject the instructor's next real start.
	missingSessionPredicate = `
		t.attendance_status = 'completed'
		AND NOT EXISTS (
			SELECT 1 FROM attendance_sessions s WHERE s.timetable_id = t.id
		)`

	linkedOutOfSyncPredicate = `
		s.timetable_id = t.id AND t.attendance_status IS DISTINCT FROM s.status`
)

// Counts measures the three drift classes and the completed-count
// cross-check aggregates with plain reads.
func (p *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM subject_attendance sa WHERE `+orphanAttendancePredicate+`),
			(SELECT count(*) FROM timetable t WHERE `+missingSessionPredicate+`),
			(SELECT count(*) FROM timetable t JOIN attendance_sessions s ON `+linkedOutOfSyncPredicate+`),
			(SELECT count(*) FROM timetable t WHERE t.attendance_status = 'completed'),
			(SELECT count(*) FROM attendance_sessions s WHERE s.status = 'completed')
	`).Scan(&c.OrphanAttendance, &c.MissingSessions, &c.LinkedOutOfSync,
		&c.CompletedSlots, &c.CompletedSessions)
	return c, err
}

// Begin opens a repair transaction.
func (p *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CountOrphanAttendance(ctx context.Context) (int64, error) {
	return t.count(ctx, `SELECT count(*) FROM subject_attendance sa WHERE `+orphanAttendancePredicate)
}

func (t *pgTx) DeleteOrphanAttendance(ctx context.Context) (int64, error) {
	return t.exec(ctx, `DELETE FROM subject_attendance sa WHERE `+orphanAttendancePredicate)
}

func (t *pgTx) CountMissingSessions(ctx context.Context) (int64, error) {
	return t.count(ctx, `SELECT count(*) FROM timetable t WHERE `+missingSessionPredicate)
}

// InsertMissingSessions creates a synthetic completed session per completed
// slot that has none, backdated to the slot's scheduled window. Fresh
// credentials come from pgcrypto so the row satisfies the same constraints as
// a real session. Completed rows never touch the partial unique index, so no
// conflict handling is needed.
func (t *pgTx) InsertMissingSessions(ctx context.Context) (int64, error) {
	return t.exec(ctx, `
		INSERT INTO attendance_sessions
			(subject_id, faculty_id, timetable_id, session_identifier, secret_key, status, started_at, ended_at)
		SELECT
			t.subject_id,
			t.faculty_id,
			t.id,
			encode(gen_random_bytes(32), 'hex'),
			encode(gen_random_bytes(64), 'hex'),
			'completed',
			t.lecture_date + t.start_time,
			t.lecture_date + t.end_time
		FROM timetable t
		WHERE `+missingSessionPredicate)
}

func (t *pgTx) CountLinkedOutOfSync(ctx context.Context) (int64, error) {
	return t.count(ctx, `SELECT count(*) FROM timetable t JOIN attendance_sessions s ON `+linkedOutOfSyncPredicate)
}

// SyncLinkedSlots pushes session status onto linked slots. Sessions are the
// writer in this relationship; the difference predicate keeps a repeat run at
// zero rows.
func (t *pgTx) SyncLinkedSlots(ctx context.Context) (int64, error) {
	return t.exec(ctx, `
		UPDATE timetable t
		SET attendance_status = s.status
		FROM attendance_sessions s
		WHERE `+linkedOutOfSyncPredicate)
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

func (t *pgTx) count(ctx context.Context, query string) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

func (t *pgTx) exec(ctx context.Context, query string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InstallTriggers reinstalls the two consistency triggers. Both statements
// are idempotent, so a rerun after a partial failure converges.
//
// The status trigger mirrors session status onto the linked slot the moment
// it changes; the validation trigger stops new orphan attendance records at
// the source.
func (p *PostgresStore) InstallTriggers(ctx context.Context) error {
	statements := []string{
		`CREATE OR REPLACE FUNCTION sync_slot_status() RETURNS trigger AS $$
		BEGIN
			IF NEW.timetable_id IS NOT NULL AND NEW.status IS DISTINCT FROM OLD.status THEN
				UPDATE timetable
				SET attendance_status = NEW.status
				WHERE id = NEW.timetable_id
				  AND attendance_status IS DISTINCT FROM NEW.status;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS attendance_sessions_sync_slot ON attendance_sessions`,

		`CREATE TRIGGER attendance_sessions_sync_slot
		AFTER UPDATE OF status ON attendance_sessions
		FOR EACH ROW EXECUTE FUNCTION sync_slot_status()`,

		`CREATE OR REPLACE FUNCTION reject_orphan_attendance() RETURNS trigger AS $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM attendance_sessions WHERE id = NEW.session_id) THEN
				RAISE EXCEPTION 'attendance record references missing session %', NEW.session_id;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS subject_attendance_reject_orphan ON subject_attendance`,

		`CREATE TRIGGER subject_attendance_reject_orphan
		BEFORE INSERT OR UPDATE OF session_id ON subject_attendance
		FOR EACH ROW EXECUTE FUNCTION reject_orphan_attendance()`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
