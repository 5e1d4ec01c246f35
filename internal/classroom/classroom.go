package classroom

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/apperr"
	"faceexam/internal/logsvc"
	"faceexam/internal/model"
	"faceexam/internal/store"
)

// codeAttempts bounds retries on join-code collisions.
const codeAttempts = 5

// Store is the persistence the classroom service needs.
type Store interface {
	CreateClass(ctx context.Context, c model.Class) (model.Class, error)
	ClassByID(ctx context.Context, id string) (*model.Class, error)
	ClassByCode(ctx context.Context, code string) (*model.Class, error)
	CreateExam(ctx context.Context, e model.Exam) (model.Exam, error)
	LatestExamForClass(ctx context.Context, classID string) (*model.Exam, error)
}

// RandomCode draws a 6-digit join code uniformly from [100000, 999999].
func RandomCode() string {
	return strconv.Itoa(100000 + rand.Intn(900000))
}

type Service struct {
	store              Store
	log                logsvc.Logger
	defaultExamMinutes int
	// NewCode is swapped in tests.
	NewCode func() string
}

func NewService(store Store, log logsvc.Logger, defaultExamMinutes int) *Service {
	if log == nil {
		log = logsvc.Nop{}
	}
	if defaultExamMinutes <= 0 {
		defaultExamMinutes = 30
	}
	return &Service{store: store, log: log, defaultExamMinutes: defaultExamMinutes, NewCode: RandomCode}
}

// GenerateClass creates a class with a fresh join code. name defaults to "Clase <code>".
func (s *Service) GenerateClass(ctx context.Context, name, examTitle string) (model.Class, error) {
	for i := 0; i < codeAttempts; i++ {
		code := s.NewCode()
		c := model.Class{Name: strings.TrimSpace(name), Code: code}
		if c.Name == "" {
			c.Name = "Clase " + code
		}
		if examTitle != "" {
			c.ExamTitle = null.StringFrom(examTitle)
		}
		created, err := s.store.CreateClass(ctx, c)
		if errors.Is(err, store.ErrDuplicateCode) {
			s.log.Info("join code collision, retrying", code)
			continue
		}
		if err != nil {
			return model.Class{}, errors.Wrap(err, "create class")
		}
		return created, nil
	}
	return model.Class{}, apperr.NewConflict(fmt.Sprintf("could not allocate a unique class code after %d attempts", codeAttempts))
}

// ClassByCode returns nil when no class uses code.
func (s *Service) ClassByCode(ctx context.Context, code string) (*model.Class, error) {
	c, err := s.store.ClassByCode(ctx, code)
	return c, errors.Wrap(err, "load class by code")
}

type ExamInput struct {
	ClassID         string
	Title           string
	Questions       []model.NewQuestion
	DurationMinutes int
}

// ValidateQuestions checks that every question has text and at least one option.
func ValidateQuestions(qs []model.NewQuestion) error {
	if len(qs) == 0 {
		return apperr.NewValidation("questions must be a non-empty array",
			apperr.FieldError{Field: "questions", Error: "must not be empty"})
	}
	var fields []apperr.FieldError
	for i, q := range qs {
		if strings.TrimSpace(q.Text) == "" {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("questions[%d].text", i), Error: "is required"})
		}
		if len(q.Options) == 0 {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("questions[%d].options", i), Error: "needs at least one option"})
		}
		for j, o := range q.Options {
			if strings.TrimSpace(o.Text) == "" {
				fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("questions[%d].options[%d].text", i, j), Error: "is required"})
			}
		}
	}
	if len(fields) > 0 {
		return apperr.NewValidation("invalid questions", fields...)
	}
	return nil
}

// CreateExam stores an exam with its questions for an existing class.
func (s *Service) CreateExam(ctx context.Context, in ExamInput) (model.Exam, error) {
	if strings.TrimSpace(in.Title) == "" {
		return model.Exam{}, apperr.NewValidation("title is required", apperr.FieldError{Field: "title", Error: "is required"})
	}
	if in.DurationMinutes < 0 {
		return model.Exam{}, apperr.NewValidation("durationMinutes must be positive",
			apperr.FieldError{Field: "durationMinutes", Error: "must be positive"})
	}
	if err := ValidateQuestions(in.Questions); err != nil {
		return model.Exam{}, err
	}
	class, err := s.store.ClassByID(ctx, in.ClassID)
	if err != nil {
		return model.Exam{}, errors.Wrap(err, "load class")
	}
	if class == nil {
		return model.Exam{}, apperr.NewNotFound("class not found")
	}

	exam := model.Exam{ClassID: class.ID, Title: in.Title, DurationMinutes: in.DurationMinutes}
	if exam.DurationMinutes == 0 {
		exam.DurationMinutes = s.defaultExamMinutes
	}
	for i, q := range in.Questions {
		mq := model.Question{Text: q.Text, Order: i + 1}
		for _, o := range q.Options {
			mq.Options = append(mq.Options, model.Option{Text: o.Text, IsCorrect: o.Correct})
		}
		exam.Questions = append(exam.Questions, mq)
	}
	exam, err = s.store.CreateExam(ctx, exam)
	return exam, errors.Wrap(err, "create exam")
}

type SessionInput struct {
	Name            string
	ExamTitle       string
	QuestionsJSON   string
	DurationMinutes int
}

type Session struct {
	Class model.Class
	Exam  model.Exam
}

// ParseQuestions decodes a JSON-encoded array of questions.
func ParseQuestions(raw string) ([]model.NewQuestion, error) {
	var qs []model.NewQuestion
	if err := json.Unmarshal([]byte(raw), &qs); err != nil {
		return nil, apperr.NewValidation("questionsJson is not valid JSON",
			apperr.FieldError{Field: "questionsJson", Error: "must be a JSON array of questions"})
	}
	return qs, ValidateQuestions(qs)
}

// CreateSession creates a class and its exam in one call.
func (s *Service) CreateSession(ctx context.Context, in SessionInput) (Session, error) {
	if strings.TrimSpace(in.ExamTitle) == "" {
		return Session{}, apperr.NewValidation("examTitle is required", apperr.FieldError{Field: "examTitle", Error: "is required"})
	}
	qs, err := ParseQuestions(in.QuestionsJSON)
	if err != nil {
		return Session{}, err
	}
	class, err := s.GenerateClass(ctx, in.Name, in.ExamTitle)
	if err != nil {
		return Session{}, err
	}
	exam, err := s.CreateExam(ctx, ExamInput{ClassID: class.ID, Title: in.ExamTitle, Questions: qs, DurationMinutes: in.DurationMinutes})
	if err != nil {
		return Session{}, err
	}
	return Session{Class: class, Exam: exam}, nil
}

// ExamForCode returns the class behind code and its latest exam without answer keys.
// Both are nil when the code is unknown; the exam is nil when the class has none.
func (s *Service) ExamForCode(ctx context.Context, code string) (*model.Class, *model.PublicExam, error) {
	class, err := s.ClassByCode(ctx, code)
	if err != nil || class == nil {
		return nil, nil, err
	}
	exam, err := s.store.LatestExamForClass(ctx, class.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load exam")
	}
	if exam == nil {
		return class, nil, nil
	}
	pub := exam.Public()
	return class, &pub, nil
}
