package identity

import (
	"context"

	"github.com/pkg/errors"

	"faceexam/internal/apperr"
	"faceexam/internal/faceclient"
	"faceexam/internal/model"
)

// ErrUnresolvedIdentity is returned when neither a face nor an attempt names the student.
var ErrUnresolvedIdentity = errors.New("identity could not be resolved")

// Store is the persistence the resolver needs.
type Store interface {
	StudentBySubject(ctx context.Context, subject string) (*model.Student, error)
	CreateStudent(ctx context.Context, s model.Student) (model.Student, error)
	Enroll(ctx context.Context, classID, studentID string) (bool, error)
	AttemptByID(ctx context.Context, id string) (*model.Attempt, error)
	StudentByID(ctx context.Context, id string) (*model.Student, error)
}

// Resolution is the student a recognition result was attributed to.
// FromContext is set when no face was seen and the attempt supplied the identity.
type Resolution struct {
	Student     model.Student
	FromContext bool
}

// Resolver maps oracle subjects to students and keeps class membership current.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve attributes rec to a student. Unknown subjects are created with the
// subject as a placeholder name and enrolled into classID. When rec carries no
// face and attemptID is set, the attempt's student is returned without any write.
// Calling Resolve again with the same input has no further effect.
func (r *Resolver) Resolve(ctx context.Context, rec faceclient.Recognition, classID, attemptID string) (Resolution, error) {
	if rec.Matched {
		st, err := r.byRecognition(ctx, rec.SubjectID)
		if err != nil {
			return Resolution{}, err
		}
		if _, err := r.store.Enroll(ctx, classID, st.ID); err != nil {
			return Resolution{}, errors.Wrap(err, "enroll student")
		}
		return Resolution{Student: st}, nil
	}

	if attemptID == "" {
		return Resolution{}, ErrUnresolvedIdentity
	}
	attempt, err := r.store.AttemptByID(ctx, attemptID)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "load attempt")
	}
	if attempt == nil {
		return Resolution{}, apperr.NewNotFound("exam attempt not found")
	}
	st, err := r.store.StudentByID(ctx, attempt.StudentID)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "load attempt student")
	}
	if st == nil {
		return Resolution{}, errors.Errorf("attempt %s references missing student %s", attempt.ID, attempt.StudentID)
	}
	return Resolution{Student: *st, FromContext: true}, nil
}

func (r *Resolver) byRecognition(ctx context.Context, subject string) (model.Student, error) {
	if subject == "" {
		return model.Student{}, errors.New("recognition matched without a subject")
	}
	st, err := r.store.StudentBySubject(ctx, subject)
	if err != nil {
		return model.Student{}, errors.Wrap(err, "lookup student")
	}
	if st != nil {
		return *st, nil
	}
	created, err := r.store.CreateStudent(ctx, model.Student{FullName: subject, SubjectID: subject})
	return created, errors.Wrap(err, "create student")
}
