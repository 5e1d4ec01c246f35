package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/apperr"
	"faceexam/internal/auth"
	"faceexam/internal/faceclient"
	"faceexam/internal/identity"
	"faceexam/internal/logsvc"
	"faceexam/internal/metrics"
	"faceexam/internal/model"
	"faceexam/internal/verify"
)

const (
	MinCheckDuration = 10 * time.Second
	MaxCheckDuration = 60 * time.Second
)

// Store is the persistence the attendance service needs.
type Store interface {
	ClassByID(ctx context.Context, id string) (*model.Class, error)
	ExamByID(ctx context.Context, id string) (*model.Exam, error)
	LatestExamForClass(ctx context.Context, classID string) (*model.Exam, error)

	CreateAttempt(ctx context.Context, a model.Attempt) (model.Attempt, error)
	AttemptByID(ctx context.Context, id string) (*model.Attempt, error)
	MarkAttemptInProgress(ctx context.Context, id string) error

	CreateCheck(ctx context.Context, c model.AttendanceCheck) (model.AttendanceCheck, error)
	ExpireActiveChecks(ctx context.Context, classID string, now time.Time) (int64, error)
	LatestActiveCheck(ctx context.Context, classID string, now time.Time) (*model.AttendanceCheck, error)
	CheckByID(ctx context.Context, id string) (*model.AttendanceCheck, error)

	CreateResponse(ctx context.Context, r model.AttendanceResponse) (model.AttendanceResponse, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, image string) (faceclient.Recognition, error)
}

type Resolver interface {
	Resolve(ctx context.Context, rec faceclient.Recognition, classID, attemptID string) (identity.Resolution, error)
}

type SessionIssuer interface {
	Issue(studentID, attemptID, classID, examID string) (auth.Session, error)
}

type IntegrityPublisher interface {
	PublishIntegrity(ctx context.Context, e model.IntegrityEvent) error
}

type CaptureArchiver interface {
	ArchiveCapture(ctx context.Context, publicID, image string) (string, error)
}

// Config tunes check windows and login defaults.
type Config struct {
	CheckDuration      time.Duration
	SingleActiveCheck  bool
	DefaultExamMinutes int
}

// Deps are the collaborators of Service. Events, Archive and Metrics are optional.
type Deps struct {
	Store    Store
	Oracle   Recognizer
	Resolver Resolver
	Sessions SessionIssuer
	Events   IntegrityPublisher
	Archive  CaptureArchiver
	Log      logsvc.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service runs face login and mid-exam attendance checks.
type Service struct {
	Deps
	cfg Config
}

// NewService creates the attendance service.
func NewService(d Deps, cfg Config) *Service {
	if d.Log == nil {
		d.Log = logsvc.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.CheckDuration <= 0 {
		cfg.CheckDuration = MaxCheckDuration
	}
	if cfg.DefaultExamMinutes <= 0 {
		cfg.DefaultExamMinutes = 30
	}
	return &Service{Deps: d, cfg: cfg}
}

// Denied carries the verification outcome of a blocked login.
type Denied struct {
	AttemptID   string
	StudentName string
	Similarity  float64
	Status      verify.Status
}

func (d *Denied) Error() string { return "face verification blocked" }

func denied(msg string, d *Denied) error {
	return apperr.Wrap(apperr.PolicyDenied, d, msg)
}

func (s *Service) recognize(ctx context.Context, image string) (faceclient.Recognition, error) {
	start := time.Now()
	rec, err := s.Oracle.Recognize(ctx, image)
	if s.Metrics != nil {
		outcome := "matched"
		switch {
		case err != nil:
			outcome = "error"
		case !rec.Matched:
			outcome = "no_face"
		}
		s.Metrics.OracleLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return rec, err
}

func (s *Service) countVerification(op string, status verify.Status) {
	if s.Metrics != nil {
		s.Metrics.Verifications.WithLabelValues(op, string(status)).Inc()
	}
}

// -------- Face login --------

type LoginInput struct {
	ImageBase64 string
	ClassID     string
	ExamID      string
	ClientIP    string
	UserAgent   string
}

type LoginResult struct {
	Attempt         model.Attempt
	Student         model.Student
	DurationMinutes int
	Session         auth.Session
}

// FaceLogin verifies the student's face and starts an exam attempt.
// Blocked attempts are stored for audit and reported as a *Denied error.
func (s *Service) FaceLogin(ctx context.Context, in LoginInput) (LoginResult, error) {
	class, err := s.Store.ClassByID(ctx, in.ClassID)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "load class")
	}
	if class == nil {
		return LoginResult{}, apperr.NewNotFound("class not found")
	}

	exam, err := s.examForLogin(ctx, class.ID, in.ExamID)
	if err != nil {
		return LoginResult{}, err
	}

	rec, err := s.recognize(ctx, in.ImageBase64)
	if err != nil {
		return LoginResult{}, err
	}
	if !rec.Matched {
		s.countVerification("login", verify.StatusBlocked)
		return LoginResult{}, denied("no face detected", &Denied{Status: verify.StatusBlocked})
	}

	res, err := s.Resolver.Resolve(ctx, rec, class.ID, "")
	if err != nil {
		return LoginResult{}, err
	}
	status := verify.Classify(rec.Similarity, true)

	attempt := model.Attempt{
		ClassID:            class.ID,
		StudentID:          res.Student.ID,
		StartedAt:          s.Now().UTC(),
		VerificationScore:  rec.Similarity,
		VerificationStatus: status,
		State:              model.AttemptStarted,
		ClientIP:           in.ClientIP,
		UserAgent:          in.UserAgent,
	}
	duration := s.cfg.DefaultExamMinutes
	if exam != nil {
		attempt.ExamID = null.StringFrom(exam.ID)
		if exam.DurationMinutes > 0 {
			duration = exam.DurationMinutes
		}
	}
	attempt, err = s.Store.CreateAttempt(ctx, attempt)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "create attempt")
	}
	s.countVerification("login", status)

	if !status.Allowed() {
		s.Log.Info("face login blocked", map[string]interface{}{
			"attempt": attempt.ID, "student": res.Student.ID, "similarity": rec.Similarity,
		})
		return LoginResult{}, denied("verification failed", &Denied{
			AttemptID:   attempt.ID,
			StudentName: res.Student.FullName,
			Similarity:  rec.Similarity,
			Status:      status,
		})
	}

	sess, err := s.Sessions.Issue(res.Student.ID, attempt.ID, class.ID, attempt.ExamID.String)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Attempt: attempt, Student: res.Student, DurationMinutes: duration, Session: sess}, nil
}

func (s *Service) examForLogin(ctx context.Context, classID, examID string) (*model.Exam, error) {
	if examID == "" {
		exam, err := s.Store.LatestExamForClass(ctx, classID)
		return exam, errors.Wrap(err, "load latest exam")
	}
	exam, err := s.Store.ExamByID(ctx, examID)
	if err != nil {
		return nil, errors.Wrap(err, "load exam")
	}
	if exam == nil {
		return nil, apperr.NewNotFound("exam not found")
	}
	if exam.ClassID != classID {
		return nil, apperr.NewValidation("exam does not belong to class", apperr.FieldError{Field: "examId", Error: "belongs to another class"})
	}
	return exam, nil
}

// -------- Checks --------

type CheckInput struct {
	ExamID          string
	CreatedBy       string
	DurationSeconds int
}

// ClampCheckDuration bounds a requested window to [10s, 60s]; zero picks def.
func ClampCheckDuration(seconds int, def time.Duration) time.Duration {
	d := def
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	if d < MinCheckDuration {
		return MinCheckDuration
	}
	if d > MaxCheckDuration {
		return MaxCheckDuration
	}
	return d
}

// CreateCheck opens a new re-verification window for the class.
func (s *Service) CreateCheck(ctx context.Context, classID string, in CheckInput) (model.AttendanceCheck, error) {
	class, err := s.Store.ClassByID(ctx, classID)
	if err != nil {
		return model.AttendanceCheck{}, errors.Wrap(err, "load class")
	}
	if class == nil {
		return model.AttendanceCheck{}, apperr.NewNotFound("class not found")
	}
	check := model.AttendanceCheck{ClassID: class.ID, CreatedBy: in.CreatedBy}
	if check.CreatedBy == "" {
		check.CreatedBy = "teacher"
	}
	if in.ExamID != "" {
		exam, err := s.Store.ExamByID(ctx, in.ExamID)
		if err != nil {
			return model.AttendanceCheck{}, errors.Wrap(err, "load exam")
		}
		if exam == nil {
			return model.AttendanceCheck{}, apperr.NewNotFound("exam not found")
		}
		if exam.ClassID != class.ID {
			return model.AttendanceCheck{}, apperr.NewValidation("exam does not belong to class")
		}
		check.ExamID = null.StringFrom(exam.ID)
	}

	now := s.Now().UTC()
	if s.cfg.SingleActiveCheck {
		n, err := s.Store.ExpireActiveChecks(ctx, class.ID, now)
		if err != nil {
			return model.AttendanceCheck{}, errors.Wrap(err, "expire previous checks")
		}
		if n > 0 {
			s.Log.Info("expired previous attendance checks", map[string]interface{}{"class": class.ID, "count": n})
		}
	}
	check.CreatedAt = now
	check.ExpiresAt = now.Add(ClampCheckDuration(in.DurationSeconds, s.cfg.CheckDuration))
	check, err = s.Store.CreateCheck(ctx, check)
	return check, errors.Wrap(err, "create check")
}

// ActiveCheck returns the most recently created unexpired check, or nil.
func (s *Service) ActiveCheck(ctx context.Context, classID string) (*model.AttendanceCheck, error) {
	check, err := s.Store.LatestActiveCheck(ctx, classID, s.Now().UTC())
	return check, errors.Wrap(err, "load active check")
}

// -------- Responses --------

type RespondInput struct {
	ImageBase64   string
	ClassID       string
	ExamAttemptID string
}

type RespondResult struct {
	Response model.AttendanceResponse
	Student  model.Student
}

// Success reports whether the check was passed.
func (r RespondResult) Success() bool {
	return r.Response.VerificationStatus != verify.StatusBlocked
}

// Respond re-verifies a student against an attendance check. A face that
// resolves to a different student than the attempt's is always blocked.
func (s *Service) Respond(ctx context.Context, checkID string, in RespondInput) (RespondResult, error) {
	check, err := s.Store.CheckByID(ctx, checkID)
	if err != nil {
		return RespondResult{}, errors.Wrap(err, "load check")
	}
	if check == nil {
		return RespondResult{}, apperr.NewNotFound("attendance check not found")
	}
	if in.ClassID != "" && in.ClassID != check.ClassID {
		return RespondResult{}, apperr.NewValidation("check does not belong to class",
			apperr.FieldError{Field: "classId", Error: "does not match the check's class"})
	}

	var attempt *model.Attempt
	if in.ExamAttemptID != "" {
		if attempt, err = s.Store.AttemptByID(ctx, in.ExamAttemptID); err != nil {
			return RespondResult{}, errors.Wrap(err, "load attempt")
		}
		if attempt == nil {
			return RespondResult{}, apperr.NewNotFound("exam attempt not found")
		}
		if attempt.ClassID != check.ClassID {
			return RespondResult{}, apperr.NewValidation("exam attempt does not belong to class",
				apperr.FieldError{Field: "examAttemptId", Error: "belongs to another class"})
		}
		if check.ExamID.Valid && attempt.ExamID.Valid && check.ExamID.String != attempt.ExamID.String {
			return RespondResult{}, apperr.NewValidation("exam attempt does not belong to the check's exam",
				apperr.FieldError{Field: "examAttemptId", Error: "belongs to another exam"})
		}
	}

	rec, err := s.recognize(ctx, in.ImageBase64)
	if err != nil {
		return RespondResult{}, err
	}
	res, err := s.Resolver.Resolve(ctx, rec, check.ClassID, in.ExamAttemptID)
	if errors.Is(err, identity.ErrUnresolvedIdentity) {
		return RespondResult{}, apperr.Wrap(apperr.Validation, err, "no face detected")
	}
	if err != nil {
		return RespondResult{}, err
	}

	capturedAt := s.Now().UTC()
	resp := model.AttendanceResponse{
		ID:                uuid.NewString(),
		CheckID:           check.ID,
		StudentID:         res.Student.ID,
		VerificationScore: rec.Similarity,
		CapturedAt:        capturedAt,
	}
	if attempt != nil {
		resp.ExamAttemptID = null.StringFrom(attempt.ID)
	}
	if len(rec.Raw) > 0 {
		resp.RawResult = null.JSONFrom(rec.Raw)
	}

	// No face: attributed to the attempt's student but never accepted.
	if res.FromContext {
		resp.VerificationScore = 0
		resp.VerificationStatus = verify.StatusBlocked
		s.Log.Info("no face on attendance check, attributed from attempt", map[string]interface{}{
			"check": check.ID, "attempt": in.ExamAttemptID, "student": res.Student.ID,
		})
	} else {
		resp.VerificationStatus = verify.Classify(rec.Similarity, true)
	}

	if attempt != nil && attempt.StudentID != res.Student.ID {
		resp.IdentityMismatch = true
		resp.VerificationStatus = verify.StatusBlocked
	}
	if !check.Active(capturedAt) {
		resp.Late = true
		resp.VerificationStatus = verify.StatusBlocked
	}

	if s.Archive != nil {
		url, err := s.Archive.ArchiveCapture(ctx, resp.ID, in.ImageBase64)
		if err != nil {
			s.Log.Warn("capture archive failed", err)
		} else {
			resp.ImageURL = null.StringFrom(url)
		}
	}

	resp, err = s.Store.CreateResponse(ctx, resp)
	if err != nil {
		return RespondResult{}, errors.Wrap(err, "store response")
	}
	s.countVerification("check", resp.VerificationStatus)

	if attempt != nil && attempt.State == model.AttemptStarted {
		if err := s.Store.MarkAttemptInProgress(ctx, attempt.ID); err != nil {
			s.Log.Error("mark attempt in progress", err)
		}
	}

	if resp.IdentityMismatch {
		s.Log.Warn("identity mismatch on attendance check", map[string]interface{}{
			"check":    check.ID,
			"attempt":  attempt.ID,
			"expected": attempt.StudentID,
			"observed": res.Student.ID,
		})
		if s.Metrics != nil {
			s.Metrics.IdentityMismatch.Inc()
		}
		s.publish(ctx, model.IntegrityIdentityMismatch, check, resp, attempt)
	}
	if resp.Late {
		if s.Metrics != nil {
			s.Metrics.LateResponses.Inc()
		}
		s.publish(ctx, model.IntegrityLateResponse, check, resp, attempt)
	}

	return RespondResult{Response: resp, Student: res.Student}, nil
}

func (s *Service) publish(ctx context.Context, kind string, check *model.AttendanceCheck, resp model.AttendanceResponse, attempt *model.Attempt) {
	if s.Events == nil {
		return
	}
	evt := model.IntegrityEvent{
		ID:                uuid.NewString(),
		Kind:              kind,
		ClassID:           check.ClassID,
		CheckID:           check.ID,
		ExamAttemptID:     resp.ExamAttemptID,
		ObservedStudentID: resp.StudentID,
		Similarity:        resp.VerificationScore,
		OccurredAt:        resp.CapturedAt,
	}
	if attempt != nil {
		evt.ExpectedStudentID = null.StringFrom(attempt.StudentID)
	}
	if err := s.Events.PublishIntegrity(ctx, evt); err != nil {
		s.Log.Error("publish integrity event", err)
	}
}
