package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campusattend/internal/qrtoken"
	"campusattend/pkg/response"
)

type memRepo struct {
	mu       sync.Mutex
	subjects map[int64]*Subject
	faculty  map[int64]string
	slots    map[int64]*Slot
	sessions map[int64]*Session
	students []int64
	marked   map[int64]map[int64]bool // session id -> student id
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		subjects: map[int64]*Subject{1: {ID: 1, Code: "CS101", Name: "Data Structures"}},
		faculty:  map[int64]string{10: "Dr. Rao"},
		slots:    map[int64]*Slot{},
		sessions: map[int64]*Session{},
		marked:   map[int64]map[int64]bool{},
	}
}

func (r *memRepo) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subjects[id], nil
}

func (r *memRepo) GetFacultyName(ctx context.Context, id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faculty[id], nil
}

func (r *memRepo) GetSlotForFaculty(ctx context.Context, slotID, facultyID int64) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[slotID]
	if slot == nil || slot.FacultyID != facultyID {
		return nil, nil
	}
	cp := *slot
	return &cp, nil
}

func (r *memRepo) CreateSlot(ctx context.Context, slot *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	slot.ID = r.nextID
	cp := *slot
	r.slots[slot.ID] = &cp
	return nil
}

func (r *memRepo) CreateSession(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.SubjectID == s.SubjectID && existing.FacultyID == s.FacultyID && existing.Status == StatusActive {
			return ErrDuplicateActive
		}
	}
	r.nextID++
	s.ID = r.nextID
	cp := *s
	r.sessions[s.ID] = &cp
	if s.TimetableID != nil {
		if slot := r.slots[*s.TimetableID]; slot != nil {
			slot.Status = SlotActive
		}
	}
	return nil
}

func (r *memRepo) GetSession(ctx context.Context, id int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return nil, nil
	}
	cp := *s
	cp.FacultyName = r.faculty[s.FacultyID]
	if sub := r.subjects[s.SubjectID]; sub != nil {
		cp.SubjectName = sub.Name
		cp.SubjectCode = sub.Code
	}
	return &cp, nil
}

func (r *memRepo) ListActiveByFaculty(ctx context.Context, facultyID int64) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.FacultyID == facultyID && s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRepo) CompleteSession(ctx context.Context, id int64, endedAt time.Time, headcount *int, headcountVerified bool, backfillAbsent bool) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil || s.Status != StatusActive {
		return 0, 0, ErrNotActive
	}
	s.Status = StatusCompleted
	s.EndedAt = &endedAt
	s.PhysicalHeadcount = headcount
	s.HeadcountVerified = headcountVerified
	if s.TimetableID != nil {
		if slot := r.slots[*s.TimetableID]; slot != nil {
			slot.Status = SlotCompleted
		}
	}
	if !backfillAbsent {
		return s.QRScanCount, 0, nil
	}
	n := 0
	for _, student := range r.students {
		if !r.marked[id][student] {
			n++
		}
	}
	return s.QRScanCount, n, nil
}

func newTestService(repo Repository) *Service {
	svc := NewService(repo, 30*time.Second, 30*time.Second, false)
	svc.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) } // a Tuesday
	return svc
}

func TestStartMintsUnguessableCredentials(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	res, err := svc.Start(context.Background(), 10, 1, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(res.Session.Identifier) != 64 {
		t.Errorf("identifier length = %d, want 64 hex chars", len(res.Session.Identifier))
	}
	if len(res.SecretKey) != 128 {
		t.Errorf("secret length = %d, want 128 hex chars", len(res.SecretKey))
	}
	if res.Session.Identifier == res.SecretKey {
		t.Error("identifier and secret must be distinct")
	}
	if res.Session.Status != StatusActive {
		t.Errorf("status = %q", res.Session.Status)
	}
}

func TestStartUnknownSubject(t *testing.T) {
	svc := newTestService(newMemRepo())
	_, err := svc.Start(context.Background(), 10, 99, nil)
	if !errors.Is(err, response.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	svc := newTestService(newMemRepo())
	if _, err := svc.Start(context.Background(), 10, 1, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := svc.Start(context.Background(), 10, 1, nil)
	if !errors.Is(err, response.ErrConflict) {
		t.Fatalf("second start err = %v, want conflict", err)
	}
}

func TestConcurrentStartsExactlyOneWins(t *testing.T) {
	svc := newTestService(newMemRepo())
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Start(context.Background(), 10, 1, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, response.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d starts succeeded, want exactly 1", ok)
	}
}

func TestStartSlotWindowChecks(t *testing.T) {
	repo := newMemRepo()
	repo.slots[5] = &Slot{ID: 5, SubjectID: 1, FacultyID: 10, DayOfWeek: "Tuesday", StartTime: "09:00", EndTime: "11:00"}
	repo.slots[6] = &Slot{ID: 6, SubjectID: 1, FacultyID: 10, DayOfWeek: "Friday", StartTime: "09:00", EndTime: "11:00"}
	repo.slots[7] = &Slot{ID: 7, SubjectID: 1, FacultyID: 10, DayOfWeek: "Tuesday", StartTime: "11:00", EndTime: "12:00"}
	repo.slots[8] = &Slot{ID: 8, SubjectID: 1, FacultyID: 99, DayOfWeek: "Tuesday", StartTime: "09:00", EndTime: "11:00"}

	svc := newTestService(repo) // now = Tuesday 10:00

	cases := []struct {
		name   string
		slotID int64
		want   error
	}{
		{"inside window", 5, nil},
		{"wrong day", 6, response.ErrForbidden},
		{"before window opens", 7, response.ErrForbidden},
		{"not owned by caller", 8, response.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.slotID
			_, err := svc.Start(context.Background(), 10, 1, &id)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Start: %v", err)
				}
				if repo.slots[id].Status != SlotActive {
					t.Errorf("slot status = %q, want active", repo.slots[id].Status)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStartAtWindowEndIsRejected(t *testing.T) {
	repo := newMemRepo()
	repo.slots[5] = &Slot{ID: 5, SubjectID: 1, FacultyID: 10, DayOfWeek: "Tuesday", StartTime: "09:00", EndTime: "10:00"}
	svc := newTestService(repo) // now = 10:00, window is [09:00, 10:00)

	id := int64(5)
	_, err := svc.Start(context.Background(), 10, 1, &id)
	if !errors.Is(err, response.ErrForbidden) {
		t.Fatalf("start at end boundary err = %v, want forbidden", err)
	}
}

func TestCurrentToken(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	started, err := svc.Start(context.Background(), 10, 1, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := svc.CurrentToken(context.Background(), 11, started.Session.ID); !errors.Is(err, response.ErrForbidden) {
		t.Errorf("non-owner err = %v, want forbidden", err)
	}
	if _, err := svc.CurrentToken(context.Background(), 10, 999); !errors.Is(err, response.ErrNotFound) {
		t.Errorf("missing session err = %v, want not found", err)
	}

	tok, err := svc.CurrentToken(context.Background(), 10, started.Session.ID)
	if err != nil {
		t.Fatalf("CurrentToken: %v", err)
	}
	if tok.RotationInterval != 30 || tok.ExpirySeconds != 30 {
		t.Errorf("rotation/expiry = %d/%d", tok.RotationInterval, tok.ExpirySeconds)
	}

	env, typ, err := qrtoken.Decode(tok.QRData)
	if err != nil || typ != qrtoken.TypeSubject {
		t.Fatalf("Decode: type=%q err=%v", typ, err)
	}
	var payload qrtoken.SubjectPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.SessionID != started.Session.Identifier {
		t.Errorf("token session = %q, want %q", payload.SessionID, started.Session.Identifier)
	}
	if !qrtoken.Verify(payload, env.Signature, started.SecretKey) {
		t.Error("token should verify against the session secret")
	}

	// Tokens are refused once the session completes.
	if _, err := svc.End(context.Background(), 10, started.Session.ID, nil); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := svc.CurrentToken(context.Background(), 10, started.Session.ID); !errors.Is(err, response.ErrInvalid) {
		t.Errorf("completed session err = %v, want invalid", err)
	}
}

func TestEndHeadcountMismatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	started, err := svc.Start(context.Background(), 10, 1, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	repo.sessions[started.Session.ID].QRScanCount = 5

	headcount := 7
	res, err := svc.End(context.Background(), 10, started.Session.ID, &headcount)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !res.CountMismatch || res.MismatchMessage == nil {
		t.Errorf("mismatch = %v msg = %v, want flagged", res.CountMismatch, res.MismatchMessage)
	}
	if res.QRScanCount != 5 {
		t.Errorf("scan count = %d", res.QRScanCount)
	}
}

func TestEndHeadcountMatches(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	started, _ := svc.Start(context.Background(), 10, 1, nil)
	repo.sessions[started.Session.ID].QRScanCount = 5

	headcount := 5
	res, err := svc.End(context.Background(), 10, started.Session.ID, &headcount)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.CountMismatch || res.MismatchMessage != nil {
		t.Errorf("mismatch flagged for matching counts")
	}
}

// lateScanRepo lands one more scan after the service has read the session but
// before completion commits.
type lateScanRepo struct {
	*memRepo
}

func (r *lateScanRepo) CompleteSession(ctx context.Context, id int64, endedAt time.Time, headcount *int, headcountVerified bool, backfillAbsent bool) (int, int, error) {
	r.mu.Lock()
	r.sessions[id].QRScanCount++
	r.mu.Unlock()
	return r.memRepo.CompleteSession(ctx, id, endedAt, headcount, headcountVerified, backfillAbsent)
}

func TestEndReportsScanLandingDuringCompletion(t *testing.T) {
	repo := &lateScanRepo{memRepo: newMemRepo()}
	svc := newTestService(repo)
	started, err := svc.Start(context.Background(), 10, 1, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	repo.sessions[started.Session.ID].QRScanCount = 5

	// One more scan lands mid-end; 6 people in the room.
	headcount := 6
	res, err := svc.End(context.Background(), 10, started.Session.ID, &headcount)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.QRScanCount != 6 {
		t.Errorf("scan count = %d, want 6 including the late scan", res.QRScanCount)
	}
	if res.CountMismatch {
		t.Error("mismatch flagged against a stale scan count")
	}
}

func TestEndTwiceRejected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	started, _ := svc.Start(context.Background(), 10, 1, nil)

	if _, err := svc.End(context.Background(), 10, started.Session.ID, nil); err != nil {
		t.Fatalf("first End: %v", err)
	}
	if _, err := svc.End(context.Background(), 10, started.Session.ID, nil); !errors.Is(err, response.ErrInvalid) {
		t.Fatalf("second End err = %v, want invalid", err)
	}
}

func TestEndByNonOwnerForbidden(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	started, _ := svc.Start(context.Background(), 10, 1, nil)

	if _, err := svc.End(context.Background(), 11, started.Session.ID, nil); !errors.Is(err, response.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestEndBackfillDisabledByDefault(t *testing.T) {
	repo := newMemRepo()
	repo.students = []int64{100, 101, 102}
	svc := newTestService(repo)
	started, _ := svc.Start(context.Background(), 10, 1, nil)

	res, err := svc.End(context.Background(), 10, started.Session.ID, nil)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.AbsentBackfilled != 0 {
		t.Errorf("backfilled = %d with backfill disabled", res.AbsentBackfilled)
	}
}

func TestEndBackfillEnabled(t *testing.T) {
	repo := newMemRepo()
	repo.students = []int64{100, 101, 102}
	svc := NewService(repo, 30*time.Second, 30*time.Second, true)
	svc.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }
	started, _ := svc.Start(context.Background(), 10, 1, nil)
	repo.marked[started.Session.ID] = map[int64]bool{100: true}

	res, err := svc.End(context.Background(), 10, started.Session.ID, nil)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.AbsentBackfilled != 2 {
		t.Errorf("backfilled = %d, want 2", res.AbsentBackfilled)
	}
}

func TestScheduleSlot(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	date := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC) // a Friday

	slot, err := svc.ScheduleSlot(context.Background(), 10, 1, date, "09:00", "11:00", "A-204")
	if err != nil {
		t.Fatalf("ScheduleSlot: %v", err)
	}
	if slot.DayOfWeek != "Friday" {
		t.Errorf("day = %q, want Friday", slot.DayOfWeek)
	}
	if slot.Status != SlotNotStarted {
		t.Errorf("status = %q", slot.Status)
	}

	if _, err := svc.ScheduleSlot(context.Background(), 10, 1, date, "11:00", "09:00", ""); !errors.Is(err, response.ErrInvalid) {
		t.Errorf("inverted window err = %v, want invalid", err)
	}
	if _, err := svc.ScheduleSlot(context.Background(), 10, 99, date, "09:00", "11:00", ""); !errors.Is(err, response.ErrNotFound) {
		t.Errorf("unknown subject err = %v, want not found", err)
	}
}
