package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faceexam/internal/attendance"
	"faceexam/internal/auth"
	"faceexam/internal/classroom"
	"faceexam/internal/cloudinary"
	"faceexam/internal/config"
	"faceexam/internal/faceclient"
	"faceexam/internal/httpapi"
	"faceexam/internal/httpmiddleware"
	"faceexam/internal/identity"
	"faceexam/internal/integrity"
	"faceexam/internal/logsvc"
	"faceexam/internal/metrics"
	"faceexam/internal/queue"
	"faceexam/internal/report"
	"faceexam/internal/scoring"
	"faceexam/internal/store"
)

// appStore is everything the services need from persistence.
type appStore interface {
	classroom.Store
	attendance.Store
	identity.Store
	scoring.Store
	report.Store
	integrity.Store
}

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	host, _ := os.Hostname()
	logger := logsvc.New(log.Default(), cfg.RollbarToken, cfg.Env, host)
	if c, ok := logger.(interface{ Close() }); ok {
		defer c.Close()
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger logsvc.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := map[string]httpapi.HealthCheck{}

	var st appStore
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store; data is lost on restart")
		st = store.NewMemory()
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "connect db")
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		st = store.NewPostgres(db.Client)
		health["db"] = db.Healthy
	}

	var (
		q       queue.Queue
		limiter httpmiddleware.Limiter
	)
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.IntegrityQueueKey)
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, "faceexam:ratelimit", cfg.RateLimitPerMin)
		health["redis"] = redisClient.Healthy
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// No separate worker can see an in-process queue.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := integrity.NewConsumer(st, logger, m).Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("integrity consumer stopped", err)
			}
		}()
	}

	oracle := faceclient.New(cfg.CompreFaceURL, cfg.CompreFaceAPIKey, cfg.OracleTimeout, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Println("FACE_SKIP enabled: every image is accepted as a dev subject")
	} else if err := oracle.Health(ctx); err != nil {
		logger.Warn("recognition oracle not reachable", err)
	}

	sessions := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.SessionTTL)

	attDeps := attendance.Deps{
		Store:    st,
		Oracle:   oracle,
		Resolver: identity.NewResolver(st),
		Sessions: sessions,
		Events:   queue.IntegrityPublisher{Q: q},
		Log:      logger,
		Metrics:  m,
	}
	switch {
	case cfg.ArchiveCaptures && cfg.CloudinaryConfigured():
		attDeps.Archive = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("archiving attendance captures to Cloudinary:", cfg.CloudinaryCloudName)
	case cfg.ArchiveCaptures:
		logger.Warn("ARCHIVE_CAPTURES set but Cloudinary is not configured")
	}
	att := attendance.NewService(attDeps, attendance.Config{
		CheckDuration:      attendance.ClampCheckDuration(cfg.CheckDefaultSeconds, attendance.MaxCheckDuration),
		SingleActiveCheck:  cfg.SingleActiveCheck,
		DefaultExamMinutes: cfg.DefaultExamMinutes,
	})

	r := httpapi.NewRouter(httpapi.Deps{
		Classroom:      classroom.NewService(st, logger, cfg.DefaultExamMinutes),
		Attendance:     att,
		Scoring:        scoring.NewService(st, logger, m),
		Report:         report.NewService(st),
		Sessions:       sessions,
		Limiter:        limiter,
		TrustedProxies: cfg.TrustedProxies,
		Log:            logger,
		Health:         health,
		Metrics:        promhttp.Handler(),
		StaticDir:      cfg.StaticDir,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OracleTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}
