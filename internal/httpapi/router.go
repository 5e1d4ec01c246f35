package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"faceexam/internal/attendance"
	"faceexam/internal/auth"
	"faceexam/internal/classroom"
	"faceexam/internal/httpmiddleware"
	"faceexam/internal/logsvc"
	"faceexam/internal/report"
	"faceexam/internal/scoring"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires the HTTP API to the domain services.
type Deps struct {
	Classroom  *classroom.Service
	Attendance *attendance.Service
	Scoring    *scoring.Service
	Report     *report.Service
	Sessions   *auth.Issuer

	// Limiter guards the face-recognition endpoints when set.
	Limiter httpmiddleware.Limiter

	// TrustedProxies lists the peers whose X-Forwarded-For is believed.
	// Empty means client IPs always come from the connection.
	TrustedProxies []string

	Log     logsvc.Logger
	Health  map[string]HealthCheck
	Metrics http.Handler

	// StaticDir serves the browser client when set.
	StaticDir string
}

type handler struct {
	Deps
	log logsvc.Logger
}

// NewRouter builds the gin engine with middleware and every API route.
func NewRouter(d Deps) *gin.Engine {
	setupValidator()
	h := &handler{Deps: d, log: d.Log}
	if h.log == nil {
		h.log = logsvc.Nop{}
	}

	r := gin.New()
	if err := r.SetTrustedProxies(d.TrustedProxies); err != nil {
		h.log.Error("invalid trusted proxies, ignoring forwarding headers", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          86400,
	}))
	r.Use(securityHeaders())

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	r.GET("/healthz", h.healthz)

	limited := func(next gin.HandlerFunc) []gin.HandlerFunc {
		if d.Limiter == nil {
			return []gin.HandlerFunc{next}
		}
		return []gin.HandlerFunc{httpmiddleware.GinMiddleware(d.Limiter, func(err error) {
			h.log.Warn("rate limiter unavailable", err)
		}), next}
	}

	api := r.Group("/api")
	api.POST("/classes/generate", h.generateClass)
	api.GET("/classes/by-code/:code", h.classByCode)
	api.POST("/exams/create-session", h.createSession)
	api.POST("/exams", h.createExam)
	api.GET("/exam-sessions/by-code/:code", h.examByCode)

	api.POST("/face-login", limited(h.faceLogin)...)
	api.POST("/classes/:classId/attendance-checks", h.createCheck)
	api.GET("/classes/:classId/attendance-checks/active", h.activeCheck)
	api.POST("/attendance-checks/:checkId/respond", limited(h.respond)...)

	api.POST("/exam-sessions/:examId/submit", auth.OptionalSession(d.Sessions), h.submit)
	api.GET("/exams/:examId/leaderboard", h.leaderboard)
	api.GET("/classes/:classId/report", h.classReport)

	if d.StaticDir != "" {
		r.StaticFile("/", d.StaticDir+"/index.html")
		r.Static("/static", d.StaticDir)
	}
	return r
}

func (h *handler) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// securityHeaders sets the usual browser hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
