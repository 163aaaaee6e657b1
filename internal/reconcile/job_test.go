package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"campusattend/pkg/response"
)

// memStore simulates the drift state as plain counters. Writes clear the
// corresponding counter when the transaction commits, so a repeat apply sees
// zero drift, mirroring the idempotency of the real SQL. missing covers
// completed slots without a session; activeNoSession models slots stuck at
// active, which no step counts or repairs.
type memStore struct {
	orphans         int64
	missing         int64
	activeNoSession int64
	outOfSync       int64

	completedSlots    int64
	completedSessions int64

	triggersInstalled int
	begun             int
	committed         int
	rolledBack        int
}

func (m *memStore) Counts(context.Context) (Counts, error) {
	return Counts{
		OrphanAttendance:  m.orphans,
		MissingSessions:   m.missing,
		LinkedOutOfSync:   m.outOfSync,
		CompletedSlots:    m.completedSlots,
		CompletedSessions: m.completedSessions,
	}, nil
}

func (m *memStore) Begin(context.Context) (Tx, error) {
	m.begun++
	return &memTx{store: m}, nil
}

func (m *memStore) InstallTriggers(context.Context) error {
	m.triggersInstalled++
	return nil
}

type memTx struct {
	store *memStore
	done  bool

	deleted  int64
	inserted int64
	synced   int64
}

func (t *memTx) CountOrphanAttendance(context.Context) (int64, error) { return t.store.orphans, nil }
func (t *memTx) DeleteOrphanAttendance(context.Context) (int64, error) {
	t.deleted = t.store.orphans
	return t.deleted, nil
}

func (t *memTx) CountMissingSessions(context.Context) (int64, error) { return t.store.missing, nil }
func (t *memTx) InsertMissingSessions(context.Context) (int64, error) {
	t.inserted = t.store.missing
	return t.inserted, nil
}

func (t *memTx) CountLinkedOutOfSync(context.Context) (int64, error) { return t.store.outOfSync, nil }
func (t *memTx) SyncLinkedSlots(context.Context) (int64, error) {
	t.synced = t.store.outOfSync
	return t.synced, nil
}

func (t *memTx) Commit() error {
	t.done = true
	t.store.committed++
	t.store.orphans -= t.deleted
	t.store.missing -= t.inserted
	t.store.outOfSync -= t.synced
	// Synthetic sessions are completed, so they show up in the cross-check.
	t.store.completedSessions += t.inserted
	return nil
}

func (t *memTx) Rollback() error {
	if !t.done {
		t.store.rolledBack++
	}
	return nil
}

// memLocker is a single-slot in-process lock.
type memLocker struct {
	held bool
}

func (l *memLocker) Lock(context.Context, string, time.Duration) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *memLocker) Unlock(context.Context, string) error {
	l.held = false
	return nil
}

func newTestJob(store *memStore, locker *memLocker, threshold int64) *Job {
	return NewJob(store, locker, time.Minute, threshold, nil)
}

func TestPreviewMeasuresWithoutWriting(t *testing.T) {
	store := &memStore{orphans: 3, missing: 2, outOfSync: 5}
	job := newTestJob(store, &memLocker{}, 10000)

	report, err := job.Run(context.Background(), ModePreview, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Before.Total() != 10 {
		t.Fatalf("before total = %d, want 10", report.Before.Total())
	}
	if store.begun != 0 || store.triggersInstalled != 0 {
		t.Fatal("preview must not open a transaction or touch triggers")
	}
	if report.After != nil {
		t.Fatal("preview report must not carry after counts")
	}
	// Drift untouched.
	if store.orphans != 3 || store.missing != 2 || store.outOfSync != 5 {
		t.Fatal("preview changed state")
	}
}

func TestApplyRepairsAllDrift(t *testing.T) {
	store := &memStore{orphans: 3, missing: 2, outOfSync: 5}
	job := newTestJob(store, &memLocker{}, 10000)

	report, err := job.Run(context.Background(), ModeApply, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OrphansDeleted != 3 || report.SessionsInserted != 2 || report.SlotsSynced != 5 {
		t.Fatalf("unexpected step counts: %+v", report)
	}
	if !report.TriggersInstalled {
		t.Fatal("apply must reinstall triggers")
	}
	if report.After == nil || report.After.Total() != 0 {
		t.Fatalf("after counts = %+v, want zero drift", report.After)
	}
	if store.committed != 1 {
		t.Fatalf("commits = %d, want 1", store.committed)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	store := &memStore{orphans: 3, missing: 2, outOfSync: 5}
	job := newTestJob(store, &memLocker{}, 10000)

	if _, err := job.Run(context.Background(), ModeApply, false); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	report, err := job.Run(context.Background(), ModeApply, false)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if report.OrphansDeleted != 0 || report.SessionsInserted != 0 || report.SlotsSynced != 0 {
		t.Fatalf("second apply wrote rows: %+v", report)
	}
}

func TestApplyLeavesActiveSlotsAlone(t *testing.T) {
	store := &memStore{missing: 1, activeNoSession: 2}
	job := newTestJob(store, &memLocker{}, 10000)

	report, err := job.Run(context.Background(), ModeApply, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Before.MissingSessions != 1 {
		t.Fatalf("missing sessions = %d, want 1 (completed slots only)", report.Before.MissingSessions)
	}
	if report.SessionsInserted != 1 {
		t.Fatalf("sessions inserted = %d, want 1", report.SessionsInserted)
	}
	// Slots stuck at active get no synthetic session; the instructor's next
	// real start must stay possible.
	if store.activeNoSession != 2 {
		t.Fatalf("active slots without a session = %d, want 2 untouched", store.activeNoSession)
	}
}

func TestReportCarriesCompletedCrossCheck(t *testing.T) {
	store := &memStore{missing: 2, completedSlots: 5, completedSessions: 3}
	job := newTestJob(store, &memLocker{}, 10000)

	report, err := job.Run(context.Background(), ModeApply, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Before.CompletedSlots != 5 || report.Before.CompletedSessions != 3 {
		t.Fatalf("before cross-check = %d/%d, want 5/3", report.Before.CompletedSlots, report.Before.CompletedSessions)
	}
	// After a clean apply the two sides of the cross-check agree.
	if report.After.CompletedSlots != 5 || report.After.CompletedSessions != 5 {
		t.Fatalf("after cross-check = %d/%d, want 5/5", report.After.CompletedSlots, report.After.CompletedSessions)
	}
	// The aggregates are report-only; they never count as drift.
	if report.After.Total() != 0 {
		t.Fatalf("after drift = %d, want 0", report.After.Total())
	}
}

func TestApplyAbortsAboveThreshold(t *testing.T) {
	store := &memStore{orphans: 50}
	job := newTestJob(store, &memLocker{}, 10)

	_, err := job.Run(context.Background(), ModeApply, false)
	if !errors.Is(err, response.ErrSafetyAborted) {
		t.Fatalf("err = %v, want ErrSafetyAborted", err)
	}
	if store.committed != 0 {
		t.Fatal("aborted run must not commit")
	}
	if store.rolledBack != 1 {
		t.Fatalf("rollbacks = %d, want 1", store.rolledBack)
	}
	if store.orphans != 50 {
		t.Fatal("aborted run changed state")
	}
}

func TestApplyOverrideLiftsThreshold(t *testing.T) {
	store := &memStore{orphans: 50}
	job := newTestJob(store, &memLocker{}, 10)

	report, err := job.Run(context.Background(), ModeApply, true)
	if err != nil {
		t.Fatalf("Run with override: %v", err)
	}
	if report.OrphansDeleted != 50 {
		t.Fatalf("orphans deleted = %d, want 50", report.OrphansDeleted)
	}
}

func TestRunRefusedWhileLockHeld(t *testing.T) {
	store := &memStore{}
	locker := &memLocker{held: true}
	job := newTestJob(store, locker, 10000)

	_, err := job.Run(context.Background(), ModeApply, false)
	if !errors.Is(err, response.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestRunReleasesLock(t *testing.T) {
	store := &memStore{}
	locker := &memLocker{}
	job := newTestJob(store, locker, 10000)

	if _, err := job.Run(context.Background(), ModePreview, false); err != nil {
		t.Fatal(err)
	}
	if locker.held {
		t.Fatal("lock not released after run")
	}
	// A failed run releases too.
	store.orphans = 100
	if _, err := job.Run(context.Background(), ModeApply, false); err == nil {
		t.Fatal("expected threshold abort")
	}
	if locker.held {
		t.Fatal("lock not released after aborted run")
	}
}

func TestRunRefusedWhileLockHeldDoesNotUnlock(t *testing.T) {
	locker := &memLocker{held: true}
	job := newTestJob(&memStore{}, locker, 10000)

	_, _ = job.Run(context.Background(), ModeApply, false)
	if !locker.held {
		t.Fatal("a refused run must not release the other holder's lock")
	}
}
