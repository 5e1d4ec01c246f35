package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/model"
)

// Memory is an in-process store used for local runs and tests.
// It mirrors the Postgres repository's semantics, including unique keys.
type Memory struct {
	mu          sync.RWMutex
	classes     map[string]model.Class
	codes       map[string]string
	exams       map[string]model.Exam
	students    map[string]model.Student
	subjects    map[string]string
	enrollments []model.Enrollment
	attempts    map[string]model.Attempt
	attemptSeq  []string
	answers     []model.Answer
	checks      map[string]model.AttendanceCheck
	checkSeq    []string
	responses   []model.AttendanceResponse
	integrity   []model.IntegrityEvent
}

func NewMemory() *Memory {
	return &Memory{
		classes:  make(map[string]model.Class),
		codes:    make(map[string]string),
		exams:    make(map[string]model.Exam),
		students: make(map[string]model.Student),
		subjects: make(map[string]string),
		attempts: make(map[string]model.Attempt),
		checks:   make(map[string]model.AttendanceCheck),
	}
}

func ptr[T any](v T) *T { return &v }

// -------- Classes --------

func (m *Memory) CreateClass(_ context.Context, c model.Class) (model.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.codes[c.Code]; taken {
		return model.Class{}, ErrDuplicateCode
	}
	c.ID = newID(c.ID)
	c.CreatedAt = stamp(c.CreatedAt)
	m.classes[c.ID] = c
	m.codes[c.Code] = c.ID
	return c, nil
}

func (m *Memory) ClassByID(_ context.Context, id string) (*model.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.classes[id]; ok {
		return ptr(c), nil
	}
	return nil, nil
}

func (m *Memory) ClassByCode(_ context.Context, code string) (*model.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.codes[code]; ok {
		return ptr(m.classes[id]), nil
	}
	return nil, nil
}

// -------- Exams --------

func (m *Memory) CreateExam(_ context.Context, e model.Exam) (model.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[e.ClassID]; !ok {
		return model.Exam{}, errors.Errorf("class %q does not exist", e.ClassID)
	}
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	qs := make([]model.Question, len(e.Questions))
	for i, q := range e.Questions {
		q.ID = newID(q.ID)
		q.ExamID = e.ID
		opts := make([]model.Option, len(q.Options))
		for j, o := range q.Options {
			o.ID = newID(o.ID)
			o.QuestionID = q.ID
			opts[j] = o
		}
		q.Options = opts
		qs[i] = q
	}
	e.Questions = qs
	m.exams[e.ID] = e
	return e, nil
}

func (m *Memory) ExamByID(_ context.Context, id string) (*model.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.exams[id]; ok {
		return ptr(e), nil
	}
	return nil, nil
}

func (m *Memory) LatestExamForClass(_ context.Context, classID string) (*model.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.Exam
	for _, e := range m.exams {
		if e.ClassID != classID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = ptr(e)
		}
	}
	return latest, nil
}

// -------- Students & enrollments --------

func (m *Memory) StudentBySubject(_ context.Context, subject string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.subjects[subject]; ok {
		return ptr(m.students[id]), nil
	}
	return nil, nil
}

func (m *Memory) StudentByID(_ context.Context, id string) (*model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.students[id]; ok {
		return ptr(s), nil
	}
	return nil, nil
}

func (m *Memory) CreateStudent(_ context.Context, s model.Student) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.subjects[s.SubjectID]; ok {
		return m.students[id], nil
	}
	s.ID = newID(s.ID)
	s.CreatedAt = stamp(s.CreatedAt)
	m.students[s.ID] = s
	m.subjects[s.SubjectID] = s.ID
	return s, nil
}

func (m *Memory) Enroll(_ context.Context, classID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.enrollments {
		if e.ClassID == classID && e.StudentID == studentID {
			return false, nil
		}
	}
	m.enrollments = append(m.enrollments, model.Enrollment{ClassID: classID, StudentID: studentID, CreatedAt: time.Now().UTC()})
	return true, nil
}

// Enrollments returns a copy of all enrollment rows.
func (m *Memory) Enrollments() []model.Enrollment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Enrollment(nil), m.enrollments...)
}

func (m *Memory) EnrolledStudents(_ context.Context, classID string) ([]model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Student
	for _, e := range m.enrollments {
		if e.ClassID == classID {
			out = append(out, m.students[e.StudentID])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// -------- Attempts --------

func (m *Memory) CreateAttempt(_ context.Context, a model.Attempt) (model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = newID(a.ID)
	a.StartedAt = stamp(a.StartedAt)
	if a.State == "" {
		a.State = model.AttemptStarted
	}
	m.attempts[a.ID] = a
	m.attemptSeq = append(m.attemptSeq, a.ID)
	return a, nil
}

func (m *Memory) AttemptByID(_ context.Context, id string) (*model.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.attempts[id]; ok {
		return ptr(a), nil
	}
	return nil, nil
}

func (m *Memory) MarkAttemptInProgress(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[id]; ok && a.State == model.AttemptStarted {
		a.State = model.AttemptInProgress
		m.attempts[id] = a
	}
	return nil
}

func (m *Memory) SubmitAttempt(_ context.Context, id string, score int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.Score.Valid {
		return false, nil
	}
	a.Score = null.IntFrom(score)
	a.State = model.AttemptSubmitted
	m.attempts[id] = a
	return true, nil
}

func (m *Memory) SaveAnswers(_ context.Context, attemptID string, answers []model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range answers {
		a.ExamAttemptID = attemptID
		m.answers = append(m.answers, a)
	}
	return nil
}

// Answers returns a copy of the answers saved for an attempt.
func (m *Memory) Answers(attemptID string) []model.Answer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Answer
	for _, a := range m.answers {
		if a.ExamAttemptID == attemptID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) filterAttempts(keep func(model.Attempt) bool) []model.Attempt {
	var out []model.Attempt
	for _, id := range m.attemptSeq {
		if a := m.attempts[id]; keep(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Memory) AttemptsForClass(_ context.Context, classID string) ([]model.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAttempts(func(a model.Attempt) bool { return a.ClassID == classID }), nil
}

func (m *Memory) AttemptsForClassExam(_ context.Context, classID, examID string) ([]model.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAttempts(func(a model.Attempt) bool {
		return a.ClassID == classID && a.ExamID.Valid && a.ExamID.String == examID
	}), nil
}

func (m *Memory) ScoredAttempts(_ context.Context, examID string) ([]model.ScoredAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ScoredAttempt
	for _, a := range m.filterAttempts(func(a model.Attempt) bool {
		return a.ExamID.Valid && a.ExamID.String == examID && a.Score.Valid
	}) {
		out = append(out, model.ScoredAttempt{
			FullName:  m.students[a.StudentID].FullName,
			ExamScore: a.Score,
			StartedAt: a.StartedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExamScore.Int != out[j].ExamScore.Int {
			return out[i].ExamScore.Int > out[j].ExamScore.Int
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// -------- Attendance checks --------

func (m *Memory) CreateCheck(_ context.Context, c model.AttendanceCheck) (model.AttendanceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = newID(c.ID)
	c.CreatedAt = stamp(c.CreatedAt)
	m.checks[c.ID] = c
	m.checkSeq = append(m.checkSeq, c.ID)
	return c, nil
}

func (m *Memory) ExpireActiveChecks(_ context.Context, classID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.checks {
		if c.ClassID == classID && c.ExpiresAt.After(now) {
			c.ExpiresAt = now
			m.checks[id] = c
			n++
		}
	}
	return n, nil
}

func (m *Memory) LatestActiveCheck(_ context.Context, classID string, now time.Time) (*model.AttendanceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.AttendanceCheck
	for _, id := range m.checkSeq {
		c := m.checks[id]
		if c.ClassID != classID || !c.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = ptr(c)
		}
	}
	return latest, nil
}

func (m *Memory) CheckByID(_ context.Context, id string) (*model.AttendanceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.checks[id]; ok {
		return ptr(c), nil
	}
	return nil, nil
}

func (m *Memory) ChecksForClass(_ context.Context, classID string) ([]model.AttendanceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AttendanceCheck
	for _, id := range m.checkSeq {
		if c := m.checks[id]; c.ClassID == classID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -------- Attendance responses --------

func (m *Memory) CreateResponse(_ context.Context, r model.AttendanceResponse) (model.AttendanceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = newID(r.ID)
	r.CapturedAt = stamp(r.CapturedAt)
	m.responses = append(m.responses, r)
	return r, nil
}

func (m *Memory) ResponsesForClass(_ context.Context, classID string) ([]model.AttendanceResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AttendanceResponse
	for _, r := range m.responses {
		if c, ok := m.checks[r.CheckID]; ok && c.ClassID == classID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// -------- Integrity events --------

func (m *Memory) InsertIntegrityEvent(_ context.Context, e model.IntegrityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = newID(e.ID)
	e.OccurredAt = stamp(e.OccurredAt)
	for _, existing := range m.integrity {
		if existing.ID == e.ID {
			return nil
		}
	}
	m.integrity = append(m.integrity, e)
	return nil
}

// IntegrityEvents returns a copy of the recorded integrity events.
func (m *Memory) IntegrityEvents() []model.IntegrityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.IntegrityEvent(nil), m.integrity...)
}
