package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceexam/internal/model"
)

func TestMemoryClassCodesAreUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c, err := m.CreateClass(ctx, model.Class{Name: "Bio", Code: "111111"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = m.CreateClass(ctx, model.Class{Name: "Chem", Code: "111111"})
	assert.True(t, errors.Is(err, ErrDuplicateCode))

	got, err := m.ClassByCode(ctx, "111111")
	require.NoError(t, err)
	assert.Equal(t, "Bio", got.Name)

	missing, err := m.ClassByCode(ctx, "999999")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryEnrollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c, err := m.CreateClass(ctx, model.Class{Code: "222222"})
	require.NoError(t, err)
	s, err := m.CreateStudent(ctx, model.Student{FullName: "ana", SubjectID: "ana"})
	require.NoError(t, err)

	created, err := m.Enroll(ctx, c.ID, s.ID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.Enroll(ctx, c.ID, s.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, m.Enrollments(), 1)
}

func TestMemorySubmitAttemptClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, err := m.CreateAttempt(ctx, model.Attempt{ClassID: "c", StudentID: "s"})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStarted, a.State)

	ok, err := m.SubmitAttempt(ctx, a.ID, 20)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.SubmitAttempt(ctx, a.ID, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.AttemptByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, got.State)
	assert.Equal(t, 20, got.Score.Int)
}

func TestMemoryActiveChecks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first, err := m.CreateCheck(ctx, model.AttendanceCheck{ClassID: "c", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	second, err := m.CreateCheck(ctx, model.AttendanceCheck{ClassID: "c", CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	active, err := m.LatestActiveCheck(ctx, "c", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	n, err := m.ExpireActiveChecks(ctx, "c", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	active, err = m.LatestActiveCheck(ctx, "c", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, active)

	stored, err := m.CheckByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Second), stored.ExpiresAt)
}

func TestIsUniqueViolation(t *testing.T) {
	err := errors.Wrap(&pgconn.PgError{Code: "23505", ConstraintName: "classes_code_key"}, "insert class")
	assert.True(t, isUniqueViolation(err, "classes_code_key"))
	assert.True(t, isUniqueViolation(err, ""))
	assert.False(t, isUniqueViolation(err, "students_recognition_subject_key"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(errors.New("boom"), ""))
}
