package report

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/apperr"
	"faceexam/internal/model"
)

// Row is one line of the teacher's class report. Attempt and response
// columns are null when the student has none.
type Row struct {
	ClassID   string      `json:"class_id"`
	ClassName string      `json:"class_name"`
	StudentID string      `json:"student_id"`
	FullName  string      `json:"full_name"`
	Email     null.String `json:"email"`

	ExamAttemptID null.String  `json:"exam_attempt_id"`
	ExamID        null.String  `json:"exam_id"`
	StartedAt     null.Time    `json:"started_at"`
	InitialStatus null.String  `json:"initial_status"`
	InitialScore  null.Float64 `json:"initial_score"`
	AttemptState  null.String  `json:"attempt_state"`
	ExamScore     null.Int     `json:"exam_score"`

	AttendanceCheckID   null.String  `json:"attendance_check_id"`
	AttendanceCreatedAt null.Time    `json:"attendance_created_at"`
	AttendanceStatus    null.String  `json:"attendance_status"`
	AttendanceScore     null.Float64 `json:"attendance_score"`
	IdentityMismatch    null.Bool    `json:"identity_mismatch"`
	Late                null.Bool    `json:"late"`
	CapturedAt          null.Time    `json:"captured_at"`
}

// Store is the read side the aggregator needs.
type Store interface {
	ClassByID(ctx context.Context, id string) (*model.Class, error)
	EnrolledStudents(ctx context.Context, classID string) ([]model.Student, error)
	AttemptsForClass(ctx context.Context, classID string) ([]model.Attempt, error)
	AttemptsForClassExam(ctx context.Context, classID, examID string) ([]model.Attempt, error)
	ChecksForClass(ctx context.Context, classID string) ([]model.AttendanceCheck, error)
	ResponsesForClass(ctx context.Context, classID string) ([]model.AttendanceResponse, error)
	ScoredAttempts(ctx context.Context, examID string) ([]model.ScoredAttempt, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ClassReport lists every enrolled student with their attempts and check
// responses. A response is paired with the attempt it was given for; responses
// sent without an attempt are paired with each of the student's attempts.
// A response given for another student's attempt gets a row without attempt columns.
// With examID set, attempts and checks of other exams are left out.
func (s *Service) ClassReport(ctx context.Context, classID, examID string) ([]Row, error) {
	class, err := s.store.ClassByID(ctx, classID)
	if err != nil {
		return nil, errors.Wrap(err, "load class")
	}
	if class == nil {
		return nil, apperr.NewNotFound("class not found")
	}

	students, err := s.store.EnrolledStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	var attempts []model.Attempt
	if examID == "" {
		attempts, err = s.store.AttemptsForClass(ctx, classID)
	} else {
		attempts, err = s.store.AttemptsForClassExam(ctx, classID, examID)
	}
	if err != nil {
		return nil, err
	}
	checks, err := s.store.ChecksForClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	responses, err := s.store.ResponsesForClass(ctx, classID)
	if err != nil {
		return nil, err
	}

	checkByID := make(map[string]model.AttendanceCheck, len(checks))
	for _, c := range checks {
		checkByID[c.ID] = c
	}
	attemptsOf := make(map[string][]model.Attempt)
	attemptIDs := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		attemptsOf[a.StudentID] = append(attemptsOf[a.StudentID], a)
		attemptIDs[a.ID] = true
	}
	responsesOf := make(map[string][]model.AttendanceResponse)
	for _, r := range responses {
		check := checkByID[r.CheckID]
		if examID != "" {
			if check.ExamID.Valid && check.ExamID.String != examID {
				continue
			}
			if r.ExamAttemptID.Valid && !attemptIDs[r.ExamAttemptID.String] {
				continue
			}
		}
		responsesOf[r.StudentID] = append(responsesOf[r.StudentID], r)
	}

	rows := make([]Row, 0, len(students))
	for _, st := range students {
		base := Row{ClassID: class.ID, ClassName: class.Name, StudentID: st.ID, FullName: st.FullName, Email: st.Email}
		atts := attemptsOf[st.ID]
		resps := responsesOf[st.ID]

		if len(atts) == 0 {
			if len(resps) == 0 {
				rows = append(rows, base)
			}
			for _, r := range resps {
				rows = append(rows, withResponse(base, r, checkByID[r.CheckID]))
			}
			continue
		}
		used := make([]bool, len(resps))
		for _, a := range atts {
			row := withAttempt(base, a)
			paired := false
			for i, r := range resps {
				if r.ExamAttemptID.Valid && r.ExamAttemptID.String != a.ID {
					continue
				}
				rows = append(rows, withResponse(row, r, checkByID[r.CheckID]))
				paired = true
				used[i] = true
			}
			if !paired {
				rows = append(rows, row)
			}
		}
		// Responses tied to someone else's attempt, e.g. an impersonation.
		for i, r := range resps {
			if !used[i] {
				rows = append(rows, withResponse(base, r, checkByID[r.CheckID]))
			}
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.FullName != b.FullName {
			return a.FullName < b.FullName
		}
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		if c := compareNullTime(a.AttendanceCreatedAt, b.AttendanceCreatedAt); c != 0 {
			return c < 0
		}
		return compareNullTime(a.StartedAt, b.StartedAt) < 0
	})
	return rows, nil
}

func withAttempt(row Row, a model.Attempt) Row {
	row.ExamAttemptID = null.StringFrom(a.ID)
	row.ExamID = a.ExamID
	row.StartedAt = null.TimeFrom(a.StartedAt)
	row.InitialStatus = null.StringFrom(string(a.VerificationStatus))
	row.InitialScore = null.Float64From(a.VerificationScore)
	row.AttemptState = null.StringFrom(string(a.State))
	row.ExamScore = a.Score
	return row
}

func withResponse(row Row, r model.AttendanceResponse, c model.AttendanceCheck) Row {
	row.AttendanceCheckID = null.StringFrom(r.CheckID)
	if !c.CreatedAt.IsZero() {
		row.AttendanceCreatedAt = null.TimeFrom(c.CreatedAt)
	}
	row.AttendanceStatus = null.StringFrom(string(r.VerificationStatus))
	row.AttendanceScore = null.Float64From(r.VerificationScore)
	row.IdentityMismatch = null.BoolFrom(r.IdentityMismatch)
	row.Late = null.BoolFrom(r.Late)
	row.CapturedAt = null.TimeFrom(r.CapturedAt)
	return row
}

// compareNullTime orders nulls first.
func compareNullTime(a, b null.Time) int {
	switch {
	case !a.Valid && !b.Valid:
		return 0
	case !a.Valid:
		return -1
	case !b.Valid:
		return 1
	}
	return compareTime(a.Time, b.Time)
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// Leaderboard returns scored attempts of the exam, best score first and
// earlier start winning ties.
func (s *Service) Leaderboard(ctx context.Context, examID string) ([]model.ScoredAttempt, error) {
	rows, err := s.store.ScoredAttempts(ctx, examID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ScoredAttempt, 0, len(rows))
	for _, r := range rows {
		if r.ExamScore.Valid {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExamScore.Int != out[j].ExamScore.Int {
			return out[i].ExamScore.Int > out[j].ExamScore.Int
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
