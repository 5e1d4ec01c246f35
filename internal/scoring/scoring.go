package scoring

import (
	"context"

	"github.com/pkg/errors"

	"faceexam/internal/apperr"
	"faceexam/internal/logsvc"
	"faceexam/internal/metrics"
	"faceexam/internal/model"
)

// PointsPerQuestion is the fixed weight of a correct answer.
const PointsPerQuestion = 10

// ErrAlreadySubmitted is returned when an attempt was scored before.
var ErrAlreadySubmitted = apperr.NewConflict("exam attempt already submitted")

// Result is the outcome of grading one submission.
type Result struct {
	Score          int `json:"score"`
	CorrectCount   int `json:"correctCount"`
	TotalQuestions int `json:"totalQuestions"`
}

// Score grades answers against the exam's answer key. References to unknown
// questions or options are ignored; only the first answer per question counts.
func Score(exam model.Exam, answers []model.Answer) Result {
	correct := make(map[string]map[string]bool, len(exam.Questions))
	for _, q := range exam.Questions {
		opts := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			opts[o.ID] = o.IsCorrect
		}
		correct[q.ID] = opts
	}

	res := Result{TotalQuestions: len(exam.Questions)}
	seen := make(map[string]bool, len(answers))
	for _, a := range answers {
		opts, ok := correct[a.QuestionID]
		if !ok || seen[a.QuestionID] {
			continue
		}
		seen[a.QuestionID] = true
		if a.OptionID.Valid && opts[a.OptionID.String] {
			res.CorrectCount++
		}
	}
	res.Score = res.CorrectCount * PointsPerQuestion
	return res
}

// Store is the persistence the scoring service needs.
type Store interface {
	AttemptByID(ctx context.Context, id string) (*model.Attempt, error)
	ExamByID(ctx context.Context, id string) (*model.Exam, error)
	SubmitAttempt(ctx context.Context, id string, score int) (bool, error)
	SaveAnswers(ctx context.Context, attemptID string, answers []model.Answer) error
}

type Service struct {
	store   Store
	log     logsvc.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, log logsvc.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logsvc.Nop{}
	}
	return &Service{store: store, log: log, metrics: m}
}

type SubmitInput struct {
	ExamAttemptID string
	Answers       []model.Answer
}

// Submit grades and records an attempt exactly once.
func (s *Service) Submit(ctx context.Context, examID string, in SubmitInput) (Result, error) {
	res, err := s.submit(ctx, examID, in)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, examID string, in SubmitInput) (Result, error) {
	attempt, err := s.store.AttemptByID(ctx, in.ExamAttemptID)
	if err != nil {
		return Result{}, errors.Wrap(err, "load attempt")
	}
	if attempt == nil {
		return Result{}, apperr.NewNotFound("exam attempt not found")
	}
	if attempt.ExamID.Valid && attempt.ExamID.String != examID {
		return Result{}, apperr.NewValidation("exam attempt belongs to another exam",
			apperr.FieldError{Field: "examAttemptId", Error: "belongs to another exam"})
	}
	if !attempt.VerificationStatus.Allowed() {
		return Result{}, apperr.NewPolicyDenied("exam attempt was blocked at verification")
	}

	exam, err := s.store.ExamByID(ctx, examID)
	if err != nil {
		return Result{}, errors.Wrap(err, "load exam")
	}
	if exam == nil {
		return Result{}, apperr.NewNotFound("exam not found")
	}
	if exam.ClassID != attempt.ClassID {
		return Result{}, apperr.NewValidation("exam attempt belongs to another class")
	}

	res := Score(*exam, in.Answers)
	claimed, err := s.store.SubmitAttempt(ctx, attempt.ID, res.Score)
	if err != nil {
		return Result{}, errors.Wrap(err, "record score")
	}
	if !claimed {
		return Result{}, ErrAlreadySubmitted
	}
	if err := s.store.SaveAnswers(ctx, attempt.ID, in.Answers); err != nil {
		return Result{}, errors.Wrap(err, "save answers")
	}
	s.log.Info("exam submitted", map[string]interface{}{
		"attempt": attempt.ID, "exam": examID, "score": res.Score,
	})
	return res, nil
}
