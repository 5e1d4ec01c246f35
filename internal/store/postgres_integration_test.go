//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/model"
	"faceexam/internal/verify"
)

// Run with: FACEEXAM_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/
func newPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("FACEEXAM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FACEEXAM_TEST_DATABASE_URL not set")
	}
	db, err := NewDB(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewPostgres(db.Client)
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func seedClass(t *testing.T, p *Postgres) model.Class {
	t.Helper()
	c, err := p.CreateClass(context.Background(), model.Class{Name: "Bio", Code: uniq("code")})
	require.NoError(t, err)
	return c
}

func seedStudent(t *testing.T, p *Postgres) model.Student {
	t.Helper()
	subject := uniq("subject")
	s, err := p.CreateStudent(context.Background(), model.Student{FullName: subject, SubjectID: subject})
	require.NoError(t, err)
	return s
}

func TestPostgresClassesAndExams(t *testing.T) {
	ctx := context.Background()
	p := newPostgres(t)
	class := seedClass(t, p)

	_, err := p.CreateClass(ctx, model.Class{Name: "Dup", Code: class.Code})
	assert.True(t, errors.Is(err, ErrDuplicateCode))

	got, err := p.ClassByCode(ctx, class.Code)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, class.ID, got.ID)

	missing, err := p.ClassByID(ctx, uuid.NewString())
	assert.NoError(t, err)
	assert.Nil(t, missing)

	exam, err := p.CreateExam(ctx, model.Exam{
		ClassID: class.ID, Title: "Quiz", DurationMinutes: 20,
		Questions: []model.Question{
			{Text: "2+2?", Order: 1, Options: []model.Option{{Text: "4", IsCorrect: true}, {Text: "5"}}},
			{Text: "3*3?", Order: 2, Options: []model.Option{{Text: "6"}, {Text: "9", IsCorrect: true}}},
		},
	})
	require.NoError(t, err)

	loaded, err := p.ExamByID(ctx, exam.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Questions, 2)
	assert.Equal(t, "2+2?", loaded.Questions[0].Text)
	require.Len(t, loaded.Questions[1].Options, 2)
	assert.Equal(t, "6", loaded.Questions[1].Options[0].Text)
	assert.True(t, loaded.Questions[1].Options[1].IsCorrect)

	latest, err := p.LatestExamForClass(ctx, class.ID)
	require.NoError(t, err)
	assert.Equal(t, exam.ID, latest.ID)
}

func TestPostgresStudentsAndEnrollment(t *testing.T) {
	ctx := context.Background()
	p := newPostgres(t)
	class := seedClass(t, p)
	st := seedStudent(t, p)

	again, err := p.CreateStudent(ctx, model.Student{FullName: "other name", SubjectID: st.SubjectID})
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID, "subject is unique")

	created, err := p.Enroll(ctx, class.ID, st.ID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = p.Enroll(ctx, class.ID, st.ID)
	require.NoError(t, err)
	assert.False(t, created)

	students, err := p.EnrolledStudents(ctx, class.ID)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, st.ID, students[0].ID)
}

func TestPostgresSubmitAttemptClaimsOnce(t *testing.T) {
	ctx := context.Background()
	p := newPostgres(t)
	class := seedClass(t, p)
	st := seedStudent(t, p)
	exam, err := p.CreateExam(ctx, model.Exam{ClassID: class.ID, Title: "Quiz", DurationMinutes: 10})
	require.NoError(t, err)

	a, err := p.CreateAttempt(ctx, model.Attempt{
		ClassID: class.ID, ExamID: null.StringFrom(exam.ID), StudentID: st.ID,
		VerificationScore: 0.9, VerificationStatus: verify.StatusOK, ClientIP: "203.0.113.7",
	})
	require.NoError(t, err)

	require.NoError(t, p.MarkAttemptInProgress(ctx, a.ID))
	ok, err := p.SubmitAttempt(ctx, a.ID, 20)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.SubmitAttempt(ctx, a.ID, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.MarkAttemptInProgress(ctx, a.ID))
	stored, err := p.AttemptByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, stored.State)
	assert.Equal(t, 20, stored.Score.Int)
	assert.Equal(t, "203.0.113.7", stored.ClientIP)

	board, err := p.ScoredAttempts(ctx, exam.ID)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, st.FullName, board[0].FullName)

	require.NoError(t, p.SaveAnswers(ctx, a.ID, []model.Answer{{QuestionID: "q", OptionID: null.StringFrom("o")}, {QuestionID: "q2"}}))
}

func TestPostgresChecksAndResponses(t *testing.T) {
	ctx := context.Background()
	p := newPostgres(t)
	class := seedClass(t, p)
	st := seedStudent(t, p)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := p.CreateCheck(ctx, model.AttendanceCheck{ClassID: class.ID, CreatedBy: "teacher", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	second, err := p.CreateCheck(ctx, model.AttendanceCheck{ClassID: class.ID, CreatedBy: "teacher", CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	active, err := p.LatestActiveCheck(ctx, class.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	n, err := p.ExpireActiveChecks(ctx, class.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	active, err = p.LatestActiveCheck(ctx, class.ID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = p.CreateResponse(ctx, model.AttendanceResponse{
		CheckID: second.ID, StudentID: st.ID, VerificationScore: 0.7,
		VerificationStatus: verify.StatusUncertain, CapturedAt: now.Add(3 * time.Second),
		RawResult: null.JSONFrom([]byte(`{"result":[]}`)),
	})
	require.NoError(t, err)
	responses, err := p.ResponsesForClass(ctx, class.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, verify.StatusUncertain, responses[0].VerificationStatus)
	assert.False(t, responses[0].ExamAttemptID.Valid)
	assert.True(t, responses[0].RawResult.Valid)

	evt := model.IntegrityEvent{
		ID: uuid.NewString(), Kind: model.IntegrityLateResponse, ClassID: class.ID,
		CheckID: second.ID, ObservedStudentID: st.ID, OccurredAt: now,
	}
	require.NoError(t, p.InsertIntegrityEvent(ctx, evt))
	require.NoError(t, p.InsertIntegrityEvent(ctx, evt), "redelivery is ignored")
}
