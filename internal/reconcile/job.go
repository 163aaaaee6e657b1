// Package reconcile repairs the drift that accumulates between timetable
// slots, attendance sessions, and attendance records: orphaned records whose
// session vanished, slots marked started with no session behind them, and
// linked slots whose status disagrees with their session. It also owns the
// database triggers that keep new drift from forming.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campusattend/internal/lock"
	"campusattend/pkg/response"
)

// Mode selects between reporting drift and repairing it.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeApply   Mode = "apply"
)

// LockKey names the advisory lock serializing reconciliation runs.
const LockKey = "reconcile"

// Counts is a point-in-time measure of the three repairable drift classes
// plus the completed-count aggregates. The aggregates are a sanity
// cross-check for the operator (completed slots and completed sessions should
// track each other); no repair step acts on them.
type Counts struct {
	OrphanAttendance int64 `json:"orphan_attendance"`
	MissingSessions  int64 `json:"missing_sessions"`
	LinkedOutOfSync  int64 `json:"linked_out_of_sync"`

	CompletedSlots    int64 `json:"completed_slots"`
	CompletedSessions int64 `json:"completed_sessions"`
}

// Total is the number of rows a full repair would touch. The completed-count
// aggregates are excluded; they are report-only.
func (c Counts) Total() int64 {
	return c.OrphanAttendance + c.MissingSessions + c.LinkedOutOfSync
}

// Report summarizes one run. In preview mode only Before is populated; in
// apply mode the step counts record what was written and After re-measures
// the drift, which a clean run leaves at zero.
type Report struct {
	Mode              Mode      `json:"mode"`
	Before            Counts    `json:"before"`
	OrphansDeleted    int64     `json:"orphans_deleted"`
	SessionsInserted  int64     `json:"sessions_inserted"`
	SlotsSynced       int64     `json:"slots_synced"`
	After             *Counts   `json:"after,omitempty"`
	TriggersInstalled bool      `json:"triggers_installed"`
	StartedAt         time.Time `json:"started_at"`
	Duration          string    `json:"duration"`
}

// Tx is one repair transaction. Each step pairs a count with its write so the
// job can re-check the blast radius inside the transaction, after taking row
// locks, not from a stale earlier read.
type Tx interface {
	CountOrphanAttendance(ctx context.Context) (int64, error)
	DeleteOrphanAttendance(ctx context.Context) (int64, error)

	// Missing sessions cover completed slots only. A slot stuck at active
	// must not get a synthetic session: an active session minted here would
	// hold a secret nobody has and block the instructor's next real start
	// through the one-active-per-(subject,faculty) index.
	CountMissingSessions(ctx context.Context) (int64, error)
	InsertMissingSessions(ctx context.Context) (int64, error)

	CountLinkedOutOfSync(ctx context.Context) (int64, error)
	SyncLinkedSlots(ctx context.Context) (int64, error)

	Commit() error
	Rollback() error
}

// Store is the persistence surface of the job.
type Store interface {
	// Counts measures drift outside any transaction.
	Counts(ctx context.Context) (Counts, error)
	// Begin opens a repair transaction.
	Begin(ctx context.Context) (Tx, error)
	// InstallTriggers (re)installs the consistency triggers. Idempotent.
	InstallTriggers(ctx context.Context) error
}

// Job runs reconciliation under an advisory lock.
type Job struct {
	store     Store
	locker    lock.Locker
	lockTTL   time.Duration
	threshold int64
	log       *slog.Logger
}

// NewJob creates a job. threshold is the per-step row ceiling above which an
// apply run aborts unless overridden.
func NewJob(store Store, locker lock.Locker, lockTTL time.Duration, threshold int64, log *slog.Logger) *Job {
	if log == nil {
		log = slog.Default()
	}
	return &Job{store: store, locker: locker, lockTTL: lockTTL, threshold: threshold, log: log}
}

// Run executes one reconciliation pass. Preview mode measures and reports;
// apply mode repairs inside a single transaction and reinstalls the triggers
// after commit. override lifts the safety threshold for this run only.
func (j *Job) Run(ctx context.Context, mode Mode, override bool) (*Report, error) {
	started := time.Now()

	ok, err := j.locker.Lock(ctx, LockKey, j.lockTTL)
	if err != nil {
		return nil, response.Storage(err)
	}
	if !ok {
		return nil, fmt.Errorf("another reconciliation run holds the lock: %w", response.ErrConflict)
	}
	defer func() {
		if err := j.locker.Unlock(context.WithoutCancel(ctx), LockKey); err != nil {
			j.log.Error("release reconcile lock", "error", err)
		}
	}()

	before, err := j.store.Counts(ctx)
	if err != nil {
		return nil, response.Storage(err)
	}
	report := &Report{Mode: mode, Before: before, StartedAt: started.UTC()}
	j.log.Info("reconcile drift measured",
		"orphan_attendance", before.OrphanAttendance,
		"missing_sessions", before.MissingSessions,
		"linked_out_of_sync", before.LinkedOutOfSync,
		"completed_slots", before.CompletedSlots,
		"completed_sessions", before.CompletedSessions)

	if mode == ModePreview {
		report.Duration = time.Since(started).String()
		return report, nil
	}

	if err := j.apply(ctx, report, override); err != nil {
		return nil, err
	}

	// Trigger DDL runs outside the repair transaction: CREATE TRIGGER takes
	// locks that must not pile onto the data writes.
	if err := j.store.InstallTriggers(ctx); err != nil {
		return nil, response.Storage(err)
	}
	report.TriggersInstalled = true

	after, err := j.store.Counts(ctx)
	if err != nil {
		return nil, response.Storage(err)
	}
	report.After = &after
	report.Duration = time.Since(started).String()
	j.log.Info("reconcile applied",
		"orphans_deleted", report.OrphansDeleted,
		"sessions_inserted", report.SessionsInserted,
		"slots_synced", report.SlotsSynced,
		"remaining_drift", after.Total())
	return report, nil
}

func (j *Job) apply(ctx context.Context, report *Report, override bool) error {
	tx, err := j.store.Begin(ctx)
	if err != nil {
		return response.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		name  string
		count func(context.Context) (int64, error)
		write func(context.Context) (int64, error)
		out   *int64
	}{
		{"delete_orphan_attendance", tx.CountOrphanAttendance, tx.DeleteOrphanAttendance, &report.OrphansDeleted},
		{"insert_missing_sessions", tx.CountMissingSessions, tx.InsertMissingSessions, &report.SessionsInserted},
		{"sync_linked_slots", tx.CountLinkedOutOfSync, tx.SyncLinkedSlots, &report.SlotsSynced},
	}

	for _, step := range steps {
		n, err := step.count(ctx)
		if err != nil {
			return response.Storage(err)
		}
		if n > j.threshold && !override {
			return fmt.Errorf("step %s would touch %d rows, above the %d-row safety threshold: %w",
				step.name, n, j.threshold, response.ErrSafetyAborted)
		}
		written, err := step.write(ctx)
		if err != nil {
			return response.Storage(err)
		}
		*step.out = written
		j.log.Info("reconcile step applied", "step", step.name, "rows", written)
	}

	if err := tx.Commit(); err != nil {
		return response.Storage(err)
	}
	return nil
}
