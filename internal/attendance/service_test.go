package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceexam/internal/apperr"
	"faceexam/internal/auth"
	"faceexam/internal/faceclient"
	"faceexam/internal/identity"
	"faceexam/internal/metrics"
	"faceexam/internal/model"
	"faceexam/internal/store"
	"faceexam/internal/verify"
)

// fakeOracle answers by image payload.
type fakeOracle map[string]faceclient.Recognition

func (f fakeOracle) Recognize(_ context.Context, image string) (faceclient.Recognition, error) {
	if image == "down" {
		return faceclient.Recognition{}, errors.Wrap(faceclient.ErrOracleUnavailable, "connection refused")
	}
	return f[image], nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []model.IntegrityEvent
}

func (r *recordedEvents) PublishIntegrity(_ context.Context, e model.IntegrityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fakeArchive struct{ fail bool }

func (f fakeArchive) ArchiveCapture(_ context.Context, publicID, _ string) (string, error) {
	if f.fail {
		return "", errors.New("upload failed")
	}
	return "https://cdn.example/" + publicID + ".jpg", nil
}

type fixture struct {
	svc     *Service
	mem     *store.Memory
	events  *recordedEvents
	metrics *metrics.Metrics
	now     time.Time
	class   model.Class
	exam    model.Exam
}

func match(subject string, similarity float64) faceclient.Recognition {
	return faceclient.Recognition{Matched: true, SubjectID: subject, Similarity: similarity, Raw: []byte(`{"result":[]}`)}
}

var oracle = fakeOracle{
	"ana-good":  match("ana", 0.91),
	"ana-meh":   match("ana", 0.7),
	"ana-bad":   match("ana", 0.4),
	"beto-good": match("beto", 0.99),
	"nobody":    {},
}

func newFixture(t *testing.T, mutate ...func(*Deps, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		mem:     store.NewMemory(),
		events:  &recordedEvents{},
		metrics: metrics.New(prometheus.NewRegistry()),
		now:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	var err error
	f.class, err = f.mem.CreateClass(ctx, model.Class{Name: "Algebra", Code: "654321"})
	require.NoError(t, err)
	f.exam, err = f.mem.CreateExam(ctx, model.Exam{ClassID: f.class.ID, Title: "Quiz", DurationMinutes: 45})
	require.NoError(t, err)

	d := Deps{
		Store:    f.mem,
		Oracle:   oracle,
		Resolver: identity.NewResolver(f.mem),
		Sessions: auth.NewIssuer("faceexam", "secret", time.Hour),
		Events:   f.events,
		Metrics:  f.metrics,
		Now:      func() time.Time { return f.now },
	}
	cfg := Config{SingleActiveCheck: true, DefaultExamMinutes: 20}
	for _, m := range mutate {
		m(&d, &cfg)
	}
	f.svc = NewService(d, cfg)
	return f
}

func (f *fixture) login(t *testing.T, image string) LoginResult {
	t.Helper()
	res, err := f.svc.FaceLogin(context.Background(), LoginInput{ImageBase64: image, ClassID: f.class.ID, ExamID: f.exam.ID})
	require.NoError(t, err)
	return res
}

func TestFaceLoginStartsAttempt(t *testing.T) {
	f := newFixture(t)
	res := f.login(t, "ana-good")

	assert.Equal(t, "ana", res.Student.FullName)
	assert.Equal(t, verify.StatusOK, res.Attempt.VerificationStatus)
	assert.Equal(t, model.AttemptStarted, res.Attempt.State)
	assert.Equal(t, f.exam.ID, res.Attempt.ExamID.String)
	assert.Equal(t, 45, res.DurationMinutes)
	assert.Equal(t, f.now, res.Attempt.StartedAt)
	assert.NotEmpty(t, res.Session.Token)

	claims, err := auth.NewIssuer("faceexam", "secret", time.Hour).Parse(res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Attempt.ID, claims.AttemptID)
}

func TestFaceLoginUncertainIsAllowed(t *testing.T) {
	f := newFixture(t)
	res := f.login(t, "ana-meh")
	assert.Equal(t, verify.StatusUncertain, res.Attempt.VerificationStatus)
}

func TestFaceLoginBlockedIsPersistedAndDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.FaceLogin(ctx, LoginInput{ImageBase64: "ana-bad", ClassID: f.class.ID})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.PolicyDenied))

	var d *Denied
	require.True(t, errors.As(err, &d))
	assert.Equal(t, verify.StatusBlocked, d.Status)
	assert.Equal(t, 0.4, d.Similarity)
	assert.Equal(t, "ana", d.StudentName)

	stored, err := f.mem.AttemptByID(ctx, d.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, verify.StatusBlocked, stored.VerificationStatus)
}

func TestFaceLoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.mem.CreateClass(ctx, model.Class{Name: "Other", Code: "111111"})
	require.NoError(t, err)

	cases := []struct {
		name string
		in   LoginInput
		kind apperr.Kind
	}{
		{"unknown class", LoginInput{ImageBase64: "ana-good", ClassID: "nope"}, apperr.NotFound},
		{"unknown exam", LoginInput{ImageBase64: "ana-good", ClassID: f.class.ID, ExamID: "nope"}, apperr.NotFound},
		{"exam of other class", LoginInput{ImageBase64: "ana-good", ClassID: other.ID, ExamID: f.exam.ID}, apperr.Validation},
		{"no face", LoginInput{ImageBase64: "nobody", ClassID: f.class.ID}, apperr.PolicyDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.FaceLogin(ctx, tc.in)
			assert.True(t, apperr.Is(err, tc.kind), "got %v", err)
		})
	}

	_, err = f.svc.FaceLogin(ctx, LoginInput{ImageBase64: "down", ClassID: f.class.ID})
	assert.True(t, errors.Is(err, faceclient.ErrOracleUnavailable))
}

func TestFaceLoginDefaultsToLatestExam(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.FaceLogin(context.Background(), LoginInput{ImageBase64: "ana-good", ClassID: f.class.ID})
	require.NoError(t, err)
	assert.Equal(t, f.exam.ID, res.Attempt.ExamID.String)
	assert.Equal(t, 45, res.DurationMinutes)
}

func TestClampCheckDuration(t *testing.T) {
	def := 60 * time.Second
	assert.Equal(t, 60*time.Second, ClampCheckDuration(0, def))
	assert.Equal(t, 10*time.Second, ClampCheckDuration(3, def))
	assert.Equal(t, 25*time.Second, ClampCheckDuration(25, def))
	assert.Equal(t, 60*time.Second, ClampCheckDuration(600, def))
	assert.Equal(t, 10*time.Second, ClampCheckDuration(0, time.Second))
}

func TestCreateCheckExpiresPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(60*time.Second), first.ExpiresAt)
	assert.Equal(t, "teacher", first.CreatedBy)

	f.now = f.now.Add(5 * time.Second)
	second, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{DurationSeconds: 30, ExamID: f.exam.ID})
	require.NoError(t, err)

	active, err := f.svc.ActiveCheck(ctx, f.class.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	old, err := f.mem.CheckByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.Active(f.now), "previous check must be closed")

	f.now = f.now.Add(30 * time.Second)
	active, err = f.svc.ActiveCheck(ctx, f.class.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "window is half-open")
}

func TestCreateCheckMostRecentWinsWithoutSingleActive(t *testing.T) {
	f := newFixture(t, func(_ *Deps, c *Config) { c.SingleActiveCheck = false })
	ctx := context.Background()

	first, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	second, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	old, err := f.mem.CheckByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Active(f.now))

	active, err := f.svc.ActiveCheck(ctx, f.class.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestCreateCheckUnknownClass(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateCheck(context.Background(), "nope", CheckInput{})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRespondSameStudent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	login := f.login(t, "ana-good")
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-meh", ClassID: f.class.ID, ExamAttemptID: login.Attempt.ID})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, verify.StatusUncertain, res.Response.VerificationStatus)
	assert.False(t, res.Response.IdentityMismatch)
	assert.False(t, res.Response.Late)
	assert.True(t, res.Response.RawResult.Valid)

	attempt, err := f.mem.AttemptByID(ctx, login.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptInProgress, attempt.State)
	assert.Empty(t, f.events.events)
}

func TestRespondIdentityMismatchIsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	login := f.login(t, "ana-good")
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "beto-good", ClassID: f.class.ID, ExamAttemptID: login.Attempt.ID})
	require.NoError(t, err)

	assert.False(t, res.Success())
	assert.Equal(t, verify.StatusBlocked, res.Response.VerificationStatus)
	assert.True(t, res.Response.IdentityMismatch)
	assert.Equal(t, 0.99, res.Response.VerificationScore)
	assert.Equal(t, "beto", res.Student.FullName)

	stored, err := f.mem.ResponsesForClass(ctx, f.class.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, verify.StatusBlocked, stored[0].VerificationStatus)

	require.Len(t, f.events.events, 1)
	evt := f.events.events[0]
	assert.Equal(t, model.IntegrityIdentityMismatch, evt.Kind)
	assert.Equal(t, login.Student.ID, evt.ExpectedStudentID.String)
	assert.Equal(t, res.Student.ID, evt.ObservedStudentID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IdentityMismatch))
}

func TestRespondNoFaceAttributedFromAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	login := f.login(t, "ana-good")
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "nobody", ClassID: f.class.ID, ExamAttemptID: login.Attempt.ID})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, verify.StatusBlocked, res.Response.VerificationStatus)
	assert.Equal(t, 0.0, res.Response.VerificationScore)
	assert.False(t, res.Response.IdentityMismatch)
	assert.Equal(t, login.Student.ID, res.Response.StudentID)
}

func TestRespondLateIsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	login := f.login(t, "ana-good")
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{DurationSeconds: 10})
	require.NoError(t, err)

	f.now = check.ExpiresAt
	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-good", ExamAttemptID: login.Attempt.ID})
	require.NoError(t, err)
	assert.True(t, res.Response.Late)
	assert.Equal(t, verify.StatusBlocked, res.Response.VerificationStatus)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, model.IntegrityLateResponse, f.events.events[0].Kind)
}

func TestRespondWithoutAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "beto-good"})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.False(t, res.Response.ExamAttemptID.Valid)

	_, err = f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "nobody"})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestRespondFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, "nope", RespondInput{ImageBase64: "ana-good"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-good", ClassID: "other"})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "nobody", ExamAttemptID: "missing"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "down"})
	assert.True(t, errors.Is(err, faceclient.ErrOracleUnavailable))
}

func TestRespondRejectsAttemptOfAnotherExam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.mem.CreateExam(ctx, model.Exam{ClassID: f.class.ID, Title: "Final", DurationMinutes: 30})
	require.NoError(t, err)
	attempt := f.login(t, "ana-good").Attempt

	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{ExamID: other.ID})
	require.NoError(t, err)
	_, err = f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-good", ExamAttemptID: attempt.ID})
	assert.True(t, apperr.Is(err, apperr.Validation))

	own, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{ExamID: f.exam.ID})
	require.NoError(t, err)
	res, err := f.svc.Respond(ctx, own.ID, RespondInput{ImageBase64: "ana-good", ExamAttemptID: attempt.ID})
	require.NoError(t, err)
	assert.True(t, res.Success())
}

func TestRespondArchivesCapture(t *testing.T) {
	f := newFixture(t, func(d *Deps, _ *Config) { d.Archive = fakeArchive{} })
	ctx := context.Background()
	check, err := f.svc.CreateCheck(ctx, f.class.ID, CheckInput{})
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-good"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/"+res.Response.ID+".jpg", res.Response.ImageURL.String)

	broken := newFixture(t, func(d *Deps, _ *Config) { d.Archive = fakeArchive{fail: true} })
	check, err = broken.svc.CreateCheck(ctx, broken.class.ID, CheckInput{})
	require.NoError(t, err)
	res, err = broken.svc.Respond(ctx, check.ID, RespondInput{ImageBase64: "ana-good"})
	require.NoError(t, err, "archive failures are not fatal")
	assert.False(t, res.Response.ImageURL.Valid)
}
