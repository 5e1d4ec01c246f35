package model

import (
	"time"

	"github.com/volatiletech/null/v8"

	"faceexam/internal/verify"
)

// Student is an identity known to the recognition oracle.
type Student struct {
	ID        string      `json:"id" db:"id"`
	FullName  string      `json:"full_name" db:"full_name"`
	Email     null.String `json:"email" db:"email"`
	SubjectID string      `json:"recognition_subject_id" db:"recognition_subject"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Class is a teacher-created session students join by code.
type Class struct {
	ID        string      `json:"id" db:"id"`
	Name      string      `json:"name" db:"name"`
	Code      string      `json:"code" db:"code"`
	ExamTitle null.String `json:"exam_title" db:"exam_title"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Enrollment links a student to a class. Append-only.
type Enrollment struct {
	ClassID   string    `json:"class_id" db:"class_id"`
	StudentID string    `json:"student_id" db:"student_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Exam owns an ordered list of questions.
type Exam struct {
	ID              string     `json:"id" db:"id"`
	ClassID         string     `json:"class_id" db:"class_id"`
	Title           string     `json:"title" db:"title"`
	DurationMinutes int        `json:"duration_minutes" db:"duration_minutes"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	Questions       []Question `json:"questions" db:"-"`
}

type Question struct {
	ID      string   `json:"id" db:"id"`
	ExamID  string   `json:"exam_id" db:"exam_id"`
	Text    string   `json:"text" db:"text"`
	Order   int      `json:"order" db:"question_order"`
	Options []Option `json:"options" db:"-"`
}

type Option struct {
	ID         string `json:"id" db:"id"`
	QuestionID string `json:"question_id" db:"question_id"`
	Text       string `json:"text" db:"text"`
	IsCorrect  bool   `json:"is_correct" db:"is_correct"`
}

// NewQuestion is the teacher-supplied shape of a question before it is stored.
type NewQuestion struct {
	Text    string      `json:"text"`
	Options []NewOption `json:"options"`
}

type NewOption struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// PublicExam is the student-facing view of an exam. It never carries answer keys.
type PublicExam struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"durationMinutes"`
	Questions       []PublicQuestion `json:"questions"`
}

type PublicQuestion struct {
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Order   int            `json:"order"`
	Options []PublicOption `json:"options"`
}

type PublicOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Public strips correctness flags from the exam.
func (e Exam) Public() PublicExam {
	out := PublicExam{
		ID:              e.ID,
		Title:           e.Title,
		DurationMinutes: e.DurationMinutes,
		Questions:       make([]PublicQuestion, 0, len(e.Questions)),
	}
	for _, q := range e.Questions {
		pq := PublicQuestion{ID: q.ID, Text: q.Text, Order: q.Order, Options: make([]PublicOption, 0, len(q.Options))}
		for _, o := range q.Options {
			pq.Options = append(pq.Options, PublicOption{ID: o.ID, Text: o.Text})
		}
		out.Questions = append(out.Questions, pq)
	}
	return out
}

// AttemptState tracks an exam attempt's lifecycle.
type AttemptState string

const (
	AttemptStarted    AttemptState = "started"
	AttemptInProgress AttemptState = "in_progress"
	AttemptSubmitted  AttemptState = "submitted"
)

// Attempt is one student's pass through one exam instance.
type Attempt struct {
	ID                 string        `json:"id" db:"id"`
	ClassID            string        `json:"class_id" db:"class_id"`
	ExamID             null.String   `json:"exam_id" db:"exam_id"`
	StudentID          string        `json:"student_id" db:"student_id"`
	StartedAt          time.Time     `json:"started_at" db:"started_at"`
	VerificationScore  float64       `json:"verification_score" db:"verification_score"`
	VerificationStatus verify.Status `json:"verification_status" db:"verification_status"`
	State              AttemptState  `json:"state" db:"state"`
	Score              null.Int      `json:"exam_score" db:"exam_score"`
	ClientIP           string        `json:"client_ip" db:"client_ip"`
	UserAgent          string        `json:"user_agent" db:"user_agent"`
}

// AttendanceCheck is a short-lived re-verification window for a class.
type AttendanceCheck struct {
	ID        string      `json:"id" db:"id"`
	ClassID   string      `json:"class_id" db:"class_id"`
	ExamID    null.String `json:"exam_id" db:"exam_id"`
	CreatedBy string      `json:"created_by" db:"created_by"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`
}

// Active reports whether now falls inside [CreatedAt, ExpiresAt).
func (c AttendanceCheck) Active(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// AttendanceResponse is a student's reply to a check.
type AttendanceResponse struct {
	ID                 string        `json:"id" db:"id"`
	CheckID            string        `json:"check_id" db:"attendance_check_id"`
	StudentID          string        `json:"student_id" db:"student_id"`
	ExamAttemptID      null.String   `json:"exam_attempt_id" db:"exam_attempt_id"`
	VerificationScore  float64       `json:"verification_score" db:"verification_score"`
	VerificationStatus verify.Status `json:"verification_status" db:"verification_status"`
	IdentityMismatch   bool          `json:"identity_mismatch" db:"identity_mismatch"`
	Late               bool          `json:"late" db:"late"`
	ImageURL           null.String   `json:"image_url" db:"image_url"`
	CapturedAt         time.Time     `json:"captured_at" db:"captured_at"`
	RawResult          null.JSON     `json:"raw_result" db:"raw_result"`
}

// Answer is one selected option for one question of an attempt.
type Answer struct {
	ExamAttemptID string      `json:"exam_attempt_id" db:"exam_attempt_id"`
	QuestionID    string      `json:"questionId" db:"question_id"`
	OptionID      null.String `json:"optionId" db:"option_id"`
}

// IntegrityEvent records an anti-impersonation signal raised during a check.
type IntegrityEvent struct {
	ID                string      `json:"id" db:"id"`
	Kind              string      `json:"kind" db:"kind"`
	ClassID           string      `json:"class_id" db:"class_id"`
	CheckID           string      `json:"check_id" db:"attendance_check_id"`
	ExamAttemptID     null.String `json:"exam_attempt_id" db:"exam_attempt_id"`
	ExpectedStudentID null.String `json:"expected_student_id" db:"expected_student_id"`
	ObservedStudentID string      `json:"observed_student_id" db:"observed_student_id"`
	Similarity        float64     `json:"similarity" db:"similarity"`
	OccurredAt        time.Time   `json:"occurred_at" db:"occurred_at"`
}

const (
	IntegrityIdentityMismatch = "identity_mismatch"
	IntegrityLateResponse     = "late_response"
)

// ScoredAttempt is a submitted attempt joined with the student's name.
type ScoredAttempt struct {
	FullName  string    `json:"full_name" db:"full_name"`
	ExamScore null.Int  `json:"exam_score" db:"exam_score"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
}
