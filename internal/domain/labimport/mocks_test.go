package labimport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/platform/blobstore"
)

// -- Mock Upload Repository --

type mockUploadRepo struct {
	mu      sync.Mutex
	uploads map[uuid.UUID]*UploadRecord
	updates int
	failOn  int // fail the Nth Update call when > 0
}

func newMockUploadRepo() *mockUploadRepo {
	return &mockUploadRepo{uploads: make(map[uuid.UUID]*UploadRecord)}
}

func cloneUpload(u *UploadRecord) *UploadRecord {
	c := *u
	c.Headers = append([]string(nil), u.Headers...)
	c.ProcessingLog = append([]LogEntry(nil), u.ProcessingLog...)
	return &c
}

func (m *mockUploadRepo) Create(_ context.Context, u *UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.UpdatedAt = time.Now()
	m.uploads[u.ID] = cloneUpload(u)
	return nil
}

func (m *mockUploadRepo) GetByID(_ context.Context, id uuid.UUID) (*UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return cloneUpload(u), nil
}

func (m *mockUploadRepo) Claim(ctx context.Context, u *UploadRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.failOn > 0 && m.updates == m.failOn {
		return errors.New("connection reset by peer")
	}
	stored, ok := m.uploads[u.ID]
	if !ok {
		return ErrUploadNotFound
	}
	if stored.Status != StatusPending {
		return ErrInvalidTransition
	}
	u.UpdatedAt = time.Now()
	m.uploads[u.ID] = cloneUpload(u)
	return nil
}

func (m *mockUploadRepo) Update(ctx context.Context, u *UploadRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.failOn > 0 && m.updates == m.failOn {
		return errors.New("connection reset by peer")
	}
	stored, ok := m.uploads[u.ID]
	if !ok {
		return ErrUploadNotFound
	}
	if stored.Status.Terminal() {
		return ErrInvalidTransition
	}
	u.UpdatedAt = time.Now()
	m.uploads[u.ID] = cloneUpload(u)
	return nil
}

func (m *mockUploadRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*UploadRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UploadRecord
	for _, u := range m.uploads {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.UploadedBy != nil && u.UploadedBy != *f.UploadedBy {
			continue
		}
		out = append(out, cloneUpload(u))
	}
	return out, len(out), nil
}

func (m *mockUploadRepo) MarkStale(_ context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, u := range m.uploads {
		if u.Status == StatusProcessing && u.UpdatedAt.Before(cutoff) {
			u.Status = StatusFailed
			u.ErrorSummary = message
			u.AppendLog(time.Now(), LevelError, 0, message)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// -- Fake user directory --

type fakeUsers struct {
	users []*identity.User
	// panicOn makes FindByEmailWithRole panic for this email.
	panicOn string
}

func (f *fakeUsers) add(email string, created time.Time, roles ...string) *identity.User {
	u := &identity.User{ID: uuid.New(), Email: email, FullName: email, Roles: roles, Active: true, CreatedAt: created}
	f.users = append(f.users, u)
	return u
}

func (f *fakeUsers) FindByEmailWithRole(_ context.Context, email, role string) (*identity.User, error) {
	if f.panicOn != "" && email == f.panicOn {
		panic("directory exploded")
	}
	for _, u := range f.users {
		if u.Email == email && u.Active && u.HasRole(role) {
			return u, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (f *fakeUsers) FirstWithRole(_ context.Context, role string) (*identity.User, error) {
	var matches []*identity.User
	for _, u := range f.users {
		if u.Active && u.HasRole(role) {
			matches = append(matches, u)
		}
	}
	if len(matches) == 0 {
		return nil, identity.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return strings.Compare(matches[i].ID.String(), matches[j].ID.String()) < 0
	})
	return matches[0], nil
}

func (f *fakeUsers) HasRole(_ context.Context, userID uuid.UUID, role string) (bool, error) {
	for _, u := range f.users {
		if u.ID == userID {
			return u.Active && u.HasRole(role), nil
		}
	}
	return false, nil
}

// -- Fake exam catalog --

type fakeExams struct {
	types    map[string]*exam.ExamType
	requests map[uuid.UUID]*exam.ExamRequest
	results  map[uuid.UUID]*exam.ExamResult // keyed by request id
}

func newFakeExams(typeNames ...string) *fakeExams {
	f := &fakeExams{
		types:    make(map[string]*exam.ExamType),
		requests: make(map[uuid.UUID]*exam.ExamRequest),
		results:  make(map[uuid.UUID]*exam.ExamResult),
	}
	for _, n := range typeNames {
		f.types[n] = &exam.ExamType{ID: uuid.New(), Name: n}
	}
	return f
}

func (f *fakeExams) snapshot() *fakeExams {
	s := &fakeExams{
		types:    f.types,
		requests: make(map[uuid.UUID]*exam.ExamRequest, len(f.requests)),
		results:  make(map[uuid.UUID]*exam.ExamResult, len(f.results)),
	}
	for k, v := range f.requests {
		c := *v
		s.requests[k] = &c
	}
	for k, v := range f.results {
		c := *v
		s.results[k] = &c
	}
	return s
}

func (f *fakeExams) restore(s *fakeExams) {
	f.requests = s.requests
	f.results = s.results
}

func (f *fakeExams) FindByName(_ context.Context, name string) (*exam.ExamType, error) {
	et, ok := f.types[name]
	if !ok {
		return nil, exam.ErrNotFound
	}
	return et, nil
}

func (f *fakeExams) FindMatching(_ context.Context, patientID, examTypeID uuid.UUID, from, to time.Time) ([]*exam.ExamRequest, error) {
	var out []*exam.ExamRequest
	for _, r := range f.requests {
		if r.PatientID != patientID || r.ExamTypeID != examTypeID || r.Status == exam.StatusCancelled {
			continue
		}
		if r.ScheduledAt.Before(from) || r.ScheduledAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (f *fakeExams) CreateRequest(_ context.Context, r *exam.ExamRequest) error {
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	f.requests[r.ID] = r
	return nil
}

func (f *fakeExams) HasResult(_ context.Context, requestID uuid.UUID) (bool, error) {
	_, ok := f.results[requestID]
	return ok, nil
}

func (f *fakeExams) RecordResult(_ context.Context, res *exam.ExamResult) error {
	r, ok := f.requests[res.RequestID]
	if !ok {
		return exam.ErrNotFound
	}
	if _, ok := f.results[res.RequestID]; ok {
		return exam.ErrResultExists
	}
	res.ID = uuid.New()
	f.results[res.RequestID] = res
	r.Status = exam.StatusCompleted
	return nil
}

func (f *fakeExams) schedule(patientID uuid.UUID, typeName string, at time.Time, status string) *exam.ExamRequest {
	r := &exam.ExamRequest{
		ID:          uuid.New(),
		PatientID:   patientID,
		DoctorID:    uuid.New(),
		ExamTypeID:  f.types[typeName].ID,
		ScheduledAt: at,
		Status:      status,
	}
	f.requests[r.ID] = r
	return r
}

// -- Fake transaction runner --

// fakeTx rolls the exam catalog back when fn fails.
type fakeTx struct {
	exams *fakeExams
	locks []string
}

func (t *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := t.exams.snapshot()
	if err := fn(ctx); err != nil {
		t.exams.restore(snap)
		return err
	}
	return nil
}

func (t *fakeTx) LockKey(_ context.Context, key string) error {
	t.locks = append(t.locks, key)
	return nil
}

// -- Fixture --

var baseTime = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	uploads *mockUploadRepo
	blobs   *blobstore.InMemoryStore
	users   *fakeUsers
	exams   *fakeExams
	tx      *fakeTx
	tech    *identity.User
	doctor  *identity.User
	patient *identity.User
}

func newFixture() *fixture {
	f := &fixture{
		uploads: newMockUploadRepo(),
		blobs:   blobstore.NewInMemoryStore(0),
		users:   &fakeUsers{},
		exams:   newFakeExams("Glucose", "Hemoglobin"),
	}
	f.tx = &fakeTx{exams: f.exams}
	f.doctor = f.users.add("dr@clinic.test", baseTime, identity.RoleDoctor)
	f.tech = f.users.add("tech@clinic.test", baseTime, identity.RoleLabTechnician)
	f.patient = f.users.add("a@b.com", baseTime, identity.RolePatient)
	f.svc = f.build(DefaultProgressEvery)
	return f
}

func (f *fixture) build(progressEvery int) *Service {
	resolver := NewResolver(f.users, f.exams)
	matcher := NewMatcher(f.users, f.exams, f.exams, f.tx, 0)
	return NewService(f.uploads, f.blobs, resolver, matcher, zerolog.Nop(), progressEvery)
}

func (f *fixture) resultCount() int {
	return len(f.exams.results)
}

type fakeDispatcher struct {
	ids []uuid.UUID
	err error
	// before runs ahead of the error, like a task that was enqueued anyway.
	before func(uuid.UUID)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	if d.before != nil {
		d.before(id)
	}
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}
