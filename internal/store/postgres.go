package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"faceexam/internal/model"
)

// ErrDuplicateCode is returned when a class join code is already taken.
var ErrDuplicateCode = errors.New("class code already in use")

const pgUniqueViolation = "23505"

// Postgres persists classroom, exam and attendance data.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a repository over an open connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

// getOne runs a single-row query; a missing row is not an error.
func getOne[T any](ctx context.Context, db *sqlx.DB, query string, args ...any) (*T, error) {
	var out T
	if err := db.GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// -------- Classes --------

func (p *Postgres) CreateClass(ctx context.Context, c model.Class) (model.Class, error) {
	c.ID = newID(c.ID)
	c.CreatedAt = stamp(c.CreatedAt)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO classes (id, name, code, exam_title, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, c.Code, c.ExamTitle, c.CreatedAt)
	if isUniqueViolation(err, "classes_code_key") {
		return model.Class{}, ErrDuplicateCode
	}
	if err != nil {
		return model.Class{}, errors.Wrap(err, "insert class")
	}
	return c, nil
}

func (p *Postgres) ClassByID(ctx context.Context, id string) (*model.Class, error) {
	return getOne[model.Class](ctx, p.db, `SELECT id, name, code, exam_title, created_at FROM classes WHERE id = $1`, id)
}

func (p *Postgres) ClassByCode(ctx context.Context, code string) (*model.Class, error) {
	return getOne[model.Class](ctx, p.db, `SELECT id, name, code, exam_title, created_at FROM classes WHERE code = $1`, code)
}

// -------- Exams --------

// CreateExam stores the exam with its questions and options in one transaction.
func (p *Postgres) CreateExam(ctx context.Context, e model.Exam) (model.Exam, error) {
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Exam{}, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exams (id, class_id, title, duration_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.ClassID, e.Title, e.DurationMinutes, e.CreatedAt); err != nil {
		return model.Exam{}, errors.Wrap(err, "insert exam")
	}
	for qi := range e.Questions {
		q := &e.Questions[qi]
		q.ID = newID(q.ID)
		q.ExamID = e.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO questions (id, exam_id, text, question_order) VALUES ($1, $2, $3, $4)
		`, q.ID, q.ExamID, q.Text, q.Order); err != nil {
			return model.Exam{}, errors.Wrap(err, "insert question")
		}
		for oi := range q.Options {
			o := &q.Options[oi]
			o.ID = newID(o.ID)
			o.QuestionID = q.ID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO options (id, question_id, text, is_correct, option_order) VALUES ($1, $2, $3, $4, $5)
			`, o.ID, o.QuestionID, o.Text, o.IsCorrect, oi+1); err != nil {
				return model.Exam{}, errors.Wrap(err, "insert option")
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Exam{}, errors.Wrap(err, "commit")
	}
	return e, nil
}

func (p *Postgres) ExamByID(ctx context.Context, id string) (*model.Exam, error) {
	e, err := getOne[model.Exam](ctx, p.db, `
		SELECT id, class_id, title, duration_minutes, created_at FROM exams WHERE id = $1
	`, id)
	if err != nil || e == nil {
		return e, err
	}
	return e, p.loadQuestions(ctx, e)
}

func (p *Postgres) LatestExamForClass(ctx context.Context, classID string) (*model.Exam, error) {
	e, err := getOne[model.Exam](ctx, p.db, `
		SELECT id, class_id, title, duration_minutes, created_at
		FROM exams WHERE class_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, classID)
	if err != nil || e == nil {
		return e, err
	}
	return e, p.loadQuestions(ctx, e)
}

func (p *Postgres) loadQuestions(ctx context.Context, e *model.Exam) error {
	var qs []model.Question
	if err := p.db.SelectContext(ctx, &qs, `
		SELECT id, exam_id, text, question_order FROM questions WHERE exam_id = $1 ORDER BY question_order
	`, e.ID); err != nil {
		return errors.Wrap(err, "select questions")
	}
	var opts []model.Option
	if err := p.db.SelectContext(ctx, &opts, `
		SELECT o.id, o.question_id, o.text, o.is_correct
		FROM options o
		JOIN questions q ON q.id = o.question_id
		WHERE q.exam_id = $1
		ORDER BY o.question_id, o.option_order
	`, e.ID); err != nil {
		return errors.Wrap(err, "select options")
	}
	byQuestion := make(map[string][]model.Option, len(qs))
	for _, o := range opts {
		byQuestion[o.QuestionID] = append(byQuestion[o.QuestionID], o)
	}
	for i := range qs {
		qs[i].Options = byQuestion[qs[i].ID]
	}
	e.Questions = qs
	return nil
}

// -------- Students & enrollments --------

func (p *Postgres) StudentBySubject(ctx context.Context, subject string) (*model.Student, error) {
	return getOne[model.Student](ctx, p.db, `
		SELECT id, full_name, email, recognition_subject, created_at FROM students WHERE recognition_subject = $1
	`, subject)
}

func (p *Postgres) StudentByID(ctx context.Context, id string) (*model.Student, error) {
	return getOne[model.Student](ctx, p.db, `
		SELECT id, full_name, email, recognition_subject, created_at FROM students WHERE id = $1
	`, id)
}

// CreateStudent inserts the student unless the subject is already known, and
// returns the stored row either way.
func (p *Postgres) CreateStudent(ctx context.Context, s model.Student) (model.Student, error) {
	s.ID = newID(s.ID)
	s.CreatedAt = stamp(s.CreatedAt)
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO students (id, full_name, email, recognition_subject, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (recognition_subject) DO NOTHING
	`, s.ID, s.FullName, s.Email, s.SubjectID, s.CreatedAt); err != nil {
		return model.Student{}, errors.Wrap(err, "insert student")
	}
	stored, err := p.StudentBySubject(ctx, s.SubjectID)
	if err != nil {
		return model.Student{}, err
	}
	if stored == nil {
		return model.Student{}, errors.Errorf("student %q vanished after insert", s.SubjectID)
	}
	return *stored, nil
}

// Enroll is idempotent; created is false when the pair already existed.
func (p *Postgres) Enroll(ctx context.Context, classID, studentID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO enrollments (class_id, student_id)
		VALUES ($1, $2)
		ON CONFLICT (class_id, student_id) DO NOTHING
	`, classID, studentID)
	if err != nil {
		return false, errors.Wrap(err, "insert enrollment")
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) EnrolledStudents(ctx context.Context, classID string) ([]model.Student, error) {
	var out []model.Student
	err := p.db.SelectContext(ctx, &out, `
		SELECT s.id, s.full_name, s.email, s.recognition_subject, s.created_at
		FROM students s
		JOIN enrollments e ON e.student_id = s.id
		WHERE e.class_id = $1
		ORDER BY s.full_name, s.id
	`, classID)
	return out, errors.Wrap(err, "select enrolled students")
}

// -------- Attempts --------

const attemptColumns = `id, class_id, exam_id, student_id, started_at, verification_score,
	verification_status, state, exam_score, client_ip, user_agent`

func (p *Postgres) CreateAttempt(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	a.ID = newID(a.ID)
	a.StartedAt = stamp(a.StartedAt)
	if a.State == "" {
		a.State = model.AttemptStarted
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO exam_attempts (`+attemptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.ClassID, a.ExamID, a.StudentID, a.StartedAt, a.VerificationScore,
		string(a.VerificationStatus), string(a.State), a.Score, a.ClientIP, a.UserAgent)
	if err != nil {
		return model.Attempt{}, errors.Wrap(err, "insert attempt")
	}
	return a, nil
}

func (p *Postgres) AttemptByID(ctx context.Context, id string) (*model.Attempt, error) {
	return getOne[model.Attempt](ctx, p.db, `SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id)
}

// MarkAttemptInProgress moves a started attempt forward; other states are left alone.
func (p *Postgres) MarkAttemptInProgress(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE exam_attempts SET state = $2 WHERE id = $1 AND state = $3
	`, id, string(model.AttemptInProgress), string(model.AttemptStarted))
	return errors.Wrap(err, "update attempt state")
}

// SubmitAttempt records the score once. It reports false when the attempt was already scored.
func (p *Postgres) SubmitAttempt(ctx context.Context, id string, score int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE exam_attempts
		SET exam_score = $2, state = $3
		WHERE id = $1 AND exam_score IS NULL
	`, id, score, string(model.AttemptSubmitted))
	if err != nil {
		return false, errors.Wrap(err, "update attempt score")
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) SaveAnswers(ctx context.Context, attemptID string, answers []model.Answer) error {
	for _, a := range answers {
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO student_answers (exam_attempt_id, question_id, option_id)
			VALUES ($1, $2, $3)
		`, attemptID, a.QuestionID, a.OptionID); err != nil {
			return errors.Wrap(err, "insert answer")
		}
	}
	return nil
}

func (p *Postgres) AttemptsForClass(ctx context.Context, classID string) ([]model.Attempt, error) {
	var out []model.Attempt
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+attemptColumns+` FROM exam_attempts WHERE class_id = $1 ORDER BY started_at
	`, classID)
	return out, errors.Wrap(err, "select class attempts")
}

func (p *Postgres) AttemptsForClassExam(ctx context.Context, classID, examID string) ([]model.Attempt, error) {
	var out []model.Attempt
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+attemptColumns+` FROM exam_attempts WHERE class_id = $1 AND exam_id = $2 ORDER BY started_at
	`, classID, examID)
	return out, errors.Wrap(err, "select exam attempts")
}

func (p *Postgres) ScoredAttempts(ctx context.Context, examID string) ([]model.ScoredAttempt, error) {
	var out []model.ScoredAttempt
	err := p.db.SelectContext(ctx, &out, `
		SELECT s.full_name, ea.exam_score, ea.started_at
		FROM exam_attempts ea
		JOIN students s ON s.id = ea.student_id
		WHERE ea.exam_id = $1 AND ea.exam_score IS NOT NULL
		ORDER BY ea.exam_score DESC, ea.started_at ASC
	`, examID)
	return out, errors.Wrap(err, "select scored attempts")
}

// -------- Attendance checks --------

const checkColumns = `id, class_id, exam_id, created_by, created_at, expires_at`

func (p *Postgres) CreateCheck(ctx context.Context, c model.AttendanceCheck) (model.AttendanceCheck, error) {
	c.ID = newID(c.ID)
	c.CreatedAt = stamp(c.CreatedAt)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_checks (`+checkColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.ClassID, c.ExamID, c.CreatedBy, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return model.AttendanceCheck{}, errors.Wrap(err, "insert check")
	}
	return c, nil
}

// ExpireActiveChecks closes every check of the class still open at now.
func (p *Postgres) ExpireActiveChecks(ctx context.Context, classID string, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE attendance_checks SET expires_at = $2 WHERE class_id = $1 AND expires_at > $2
	`, classID, now)
	if err != nil {
		return 0, errors.Wrap(err, "expire checks")
	}
	return res.RowsAffected()
}

func (p *Postgres) LatestActiveCheck(ctx context.Context, classID string, now time.Time) (*model.AttendanceCheck, error) {
	return getOne[model.AttendanceCheck](ctx, p.db, `
		SELECT `+checkColumns+`
		FROM attendance_checks
		WHERE class_id = $1 AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, classID, now)
}

func (p *Postgres) CheckByID(ctx context.Context, id string) (*model.AttendanceCheck, error) {
	return getOne[model.AttendanceCheck](ctx, p.db, `SELECT `+checkColumns+` FROM attendance_checks WHERE id = $1`, id)
}

func (p *Postgres) ChecksForClass(ctx context.Context, classID string) ([]model.AttendanceCheck, error) {
	var out []model.AttendanceCheck
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+checkColumns+` FROM attendance_checks WHERE class_id = $1 ORDER BY created_at
	`, classID)
	return out, errors.Wrap(err, "select checks")
}

// -------- Attendance responses --------

const responseColumns = `id, attendance_check_id, student_id, exam_attempt_id, verification_score,
	verification_status, identity_mismatch, late, image_url, captured_at, raw_result`

func (p *Postgres) CreateResponse(ctx context.Context, r model.AttendanceResponse) (model.AttendanceResponse, error) {
	r.ID = newID(r.ID)
	r.CapturedAt = stamp(r.CapturedAt)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_responses (`+responseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, r.ID, r.CheckID, r.StudentID, r.ExamAttemptID, r.VerificationScore,
		string(r.VerificationStatus), r.IdentityMismatch, r.Late, r.ImageURL, r.CapturedAt, r.RawResult)
	if err != nil {
		return model.AttendanceResponse{}, errors.Wrap(err, "insert response")
	}
	return r, nil
}

func (p *Postgres) ResponsesForClass(ctx context.Context, classID string) ([]model.AttendanceResponse, error) {
	var out []model.AttendanceResponse
	err := p.db.SelectContext(ctx, &out, `
		SELECT ar.id, ar.attendance_check_id, ar.student_id, ar.exam_attempt_id, ar.verification_score,
			ar.verification_status, ar.identity_mismatch, ar.late, ar.image_url, ar.captured_at, ar.raw_result
		FROM attendance_responses ar
		JOIN attendance_checks ac ON ac.id = ar.attendance_check_id
		WHERE ac.class_id = $1
		ORDER BY ar.captured_at
	`, classID)
	return out, errors.Wrap(err, "select responses")
}

// -------- Integrity events --------

func (p *Postgres) InsertIntegrityEvent(ctx context.Context, e model.IntegrityEvent) error {
	e.ID = newID(e.ID)
	e.OccurredAt = stamp(e.OccurredAt)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO integrity_events
			(id, kind, class_id, attendance_check_id, exam_attempt_id, expected_student_id, observed_student_id, similarity, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Kind, e.ClassID, e.CheckID, e.ExamAttemptID, e.ExpectedStudentID, e.ObservedStudentID, e.Similarity, e.OccurredAt)
	return errors.Wrap(err, "insert integrity event")
}
