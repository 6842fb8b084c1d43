package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/config"
	"attendguard/internal/export"
	"attendguard/internal/fingerprint"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/ledger"
	"attendguard/internal/location"
	"attendguard/internal/metrics"
	"attendguard/internal/queue"
	"attendguard/internal/spoof"
	"attendguard/internal/store"
	"attendguard/internal/verification"
	"attendguard/internal/watch"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(context.Background(), db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var led ledger.Ledger
	var fpStore fingerprint.Store
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		led = ledger.NewMemory()
		fpStore = fingerprint.NewMemoryStore()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendguard:submissions")
		led = ledger.NewRedis(redisClient.Client, cfg.LedgerTTL)
		fpStore = fingerprint.NewRedisStore(redisClient.Client, cfg.FingerprintTTL)
	}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, led, logger)
	fpEngine := fingerprint.NewEngine(fpStore)

	// Background sweep keeps the active flag honest for sessions past expiry.
	sweeper := watch.NewPoller(time.Minute, func(now time.Time) watch.Event {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := repo.DeactivateExpiredSessions(sweepCtx)
		if err != nil {
			logger.Warn("session sweep failed", zap.Error(err))
		}
		return watch.Event{At: now, Payload: n}
	})
	sweeper.Subscribe(func(ev watch.Event) {
		if n, ok := ev.Payload.(int64); ok && n > 0 {
			logger.Info("expired sessions deactivated", zap.Int64("count", n))
		}
	})
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/operator/login", func(c *gin.Context) {
		var req struct {
			OperatorID string `json:"operator_id" binding:"required"`
			Secret     string `json:"secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tok, err := auth.Login(req.OperatorID, req.Secret, cfg.OperatorSecret, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": tok.Value, "expires_at": tok.ExpiresAt.Unix()})
	})

	operator := r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	operator.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Name         string     `json:"name" binding:"required"`
			StartsAt     *time.Time `json:"starts_at"`
			EndsAt       *time.Time `json:"ends_at"`
			ExpiresAt    time.Time  `json:"expires_at" binding:"required"`
			Latitude     *float64   `json:"latitude"`
			Longitude    *float64   `json:"longitude"`
			RadiusMeters *float64   `json:"radius_meters"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		created, err := svc.CreateSession(c.Request.Context(), attendance.Session{
			Name:         req.Name,
			StartsAt:     req.StartsAt,
			EndsAt:       req.EndsAt,
			ExpiresAt:    req.ExpiresAt,
			Latitude:     req.Latitude,
			Longitude:    req.Longitude,
			RadiusMeters: req.RadiusMeters,
			CreatedBy:    claims.Subject,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	operator.GET("/sessions/:id/attendance", func(c *gin.Context) {
		records, err := repo.ListAttendance(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
	})

	operator.GET("/sessions/:id/attendance/export", func(c *gin.Context) {
		sess, err := repo.GetSession(c.Request.Context(), c.Param("id"))
		if errors.Is(err, attendance.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		records, err := repo.ListAttendance(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var ref *export.ReferencePoint
		if sess.Latitude != nil && sess.Longitude != nil {
			radius := cfg.CampusRadiusMeters
			if sess.RadiusMeters != nil {
				radius = *sess.RadiusMeters
			}
			ref = &export.ReferencePoint{Latitude: *sess.Latitude, Longitude: *sess.Longitude, RadiusMeters: radius}
		} else if cfg.CampusLatitude != 0 || cfg.CampusLongitude != 0 {
			ref = &export.ReferencePoint{Latitude: cfg.CampusLatitude, Longitude: cfg.CampusLongitude, RadiusMeters: cfg.CampusRadiusMeters}
		}

		data, err := export.Attendance(records, sess.Name, ref)
		if err != nil {
			logger.Error("export failed", zap.String("session_id", sess.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		name := export.Filename(sess.Name, time.Now())
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	})

	operator.PATCH("/sessions/:id/active", func(c *gin.Context) {
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := repo.SetSessionActive(c.Request.Context(), c.Param("id"), *req.Active)
		if errors.Is(err, attendance.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": *req.Active})
	})

	operator.DELETE("/sessions/:id", func(c *gin.Context) {
		err := repo.DeleteSession(c.Request.Context(), c.Param("id"))
		if errors.Is(err, attendance.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// Public session lookup for the check-in page. The network token is never
	// included here; students receive it out of band.
	r.GET("/v1/sessions/code/:code", func(c *gin.Context) {
		sess, err := repo.FindActiveSessionByCode(c.Request.Context(), c.Param("code"))
		if errors.Is(err, attendance.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid or expired session code"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":         sess.ID,
			"name":       sess.Name,
			"starts_at":  sess.StartsAt,
			"ends_at":    sess.EndsAt,
			"expires_at": sess.ExpiresAt,
			"geofenced":  sess.Latitude != nil && sess.Longitude != nil,
		})
	})

	r.POST("/v1/checkins", checkinHandler(cfg, repo, svc, fpEngine, q, logger))

	r.StaticFile("/", "web/index.html")
	r.Static("/static", "web/static")

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

type checkinRequest struct {
	Code         string                `json:"code" binding:"required"`
	NetworkToken string                `json:"network_token" binding:"required"`
	DeviceKey    string                `json:"device_key" binding:"required"`
	Signals      fingerprint.SignalSet `json:"signals"`
	Integrity    spoof.IntegrityReport `json:"integrity"`
	Samples      []spoof.Sample        `json:"samples"`
	Student      checkinStudent        `json:"student" binding:"required"`
}

type checkinStudent struct {
	Name      string `json:"name" binding:"required"`
	StudentID string `json:"student_id" binding:"required"`
	Branch    string `json:"branch"`
	Division  string `json:"division"`
	Batch     string `json:"batch"`
	Room      string `json:"room"`
}

// checkinHandler runs the full verification sequence over the submitted
// evidence and records attendance when every step verifies. Each request gets
// a fresh machine; the settle delay is a display concern and does not apply to
// the API path.
func checkinHandler(cfg config.App, repo *attendance.Repository, svc *attendance.Service,
	fpEngine *fingerprint.Engine, q queue.Queue, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		m := verification.NewMachine(verification.Config{
			Sessions:      repo,
			Records:       repo,
			Fingerprints:  fpEngine,
			SampleTimeout: cfg.SampleTimeout,
			Log:           logger,
		})

		fail := func(step verification.Step, state verification.StepState) {
			metrics.StepOutcomes.WithLabelValues(step.String(), string(state.Status)).Inc()
			status := http.StatusUnprocessableEntity
			result := "step_failed"
			if step == verification.StepLocation && m.LocationOutcome().State == location.StateSpoofed {
				status = http.StatusForbidden
				result = "spoof_detected"
				metrics.SpoofDetections.WithLabelValues("location").Inc()
			}
			if m.AlreadySubmitted() {
				status = http.StatusConflict
				result = "duplicate"
			}
			metrics.Submissions.WithLabelValues(result).Inc()
			c.JSON(status, gin.H{"step": step.String(), "reason": state.Reason, "steps": m.StepStates()})
		}

		if state, err := m.VerifyCode(ctx, req.Code); err != nil || state.Status != verification.StatusVerified {
			fail(verification.StepCode, state)
			return
		}
		metrics.StepOutcomes.WithLabelValues(verification.StepCode.String(), string(verification.StatusVerified)).Inc()

		if state, err := m.VerifyNetwork(ctx, req.NetworkToken); err != nil || state.Status != verification.StatusVerified {
			fail(verification.StepNetwork, state)
			return
		}
		metrics.StepOutcomes.WithLabelValues(verification.StepNetwork.String(), string(verification.StatusVerified)).Inc()

		if state, err := m.VerifyLocation(ctx, req.Integrity, sliceProvider(req.Samples)); err != nil || state.Status != verification.StatusVerified {
			fail(verification.StepLocation, state)
			return
		}
		metrics.StepOutcomes.WithLabelValues(verification.StepLocation.String(), string(verification.StatusVerified)).Inc()

		if state, err := m.VerifyDevice(ctx, req.DeviceKey, req.Signals); err != nil || state.Status != verification.StatusVerified {
			fail(verification.StepDevice, state)
			return
		}
		metrics.StepOutcomes.WithLabelValues(verification.StepDevice.String(), string(verification.StatusVerified)).Inc()

		// Re-evaluate the window last; the location steps take seconds and the
		// session may have ended underneath them.
		if state := m.EvaluateTime(time.Now()); state.Status != verification.StatusVerified {
			fail(verification.StepTime, state)
			return
		}
		metrics.StepOutcomes.WithLabelValues(verification.StepTime.String(), string(verification.StatusVerified)).Inc()

		rec, err := m.Payload(req.Student.Name, req.Student.StudentID, req.Student.Branch,
			req.Student.Division, req.Student.Batch, req.Student.Room)
		if err != nil {
			metrics.Submissions.WithLabelValues("incomplete").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "steps": m.StepStates()})
			return
		}

		inserted, err := svc.Submit(ctx, rec)
		if errors.Is(err, attendance.ErrDuplicateSubmission) {
			metrics.Submissions.WithLabelValues("duplicate").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "attendance already recorded from this device"})
			return
		}
		if err != nil {
			metrics.Submissions.WithLabelValues("error").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := q.Publish(ctx, queue.SubmissionEvent{
			RecordID:    inserted.ID,
			SessionID:   inserted.SessionID,
			Fingerprint: inserted.DeviceFingerprint,
			RecordedAt:  inserted.RecordedAt,
		}); err != nil {
			logger.Warn("queue publish failed", zap.Error(err))
		}

		metrics.Submissions.WithLabelValues("accepted").Inc()
		c.JSON(http.StatusCreated, gin.H{
			"record_id":   inserted.ID,
			"session_id":  inserted.SessionID,
			"recorded_at": inserted.RecordedAt,
			"steps":       m.StepStates(),
		})
	}
}

// sliceProvider serves the client's submitted readings in order. Running out
// of readings surfaces as position_unavailable, which fails the attempt
// without marking it spoofed.
func sliceProvider(samples []spoof.Sample) spoof.Provider {
	var mu sync.Mutex
	i := 0
	return spoof.ProviderFunc(func(_ context.Context) (spoof.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(samples) {
			return spoof.Sample{}, &spoof.LocationError{
				Code: spoof.CodePositionUnavailable,
				Err:  errors.New("insufficient readings submitted"),
			}
		}
		s := samples[i]
		i++
		if s.CapturedAt.IsZero() {
			s.CapturedAt = time.Now()
		}
		return s, nil
	})
}

// CORS for the check-in page served from other origins.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
