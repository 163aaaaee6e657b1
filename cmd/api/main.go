package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/metrics"
	"campusattend/internal/session"
	"campusattend/internal/store"
	"campusattend/pkg/response"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		// A nil db means the DSN itself was rejected; nothing can recover
		// that at runtime. A ping failure still yields a usable pool, so the
		// server starts and /healthz reports the outage.
		if db == nil {
			return fmt.Errorf("open database: %w", err)
		}
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	sessions := session.NewService(
		session.NewPostgresRepository(db.Client),
		cfg.QRExpiry, cfg.QRRotation, cfg.AutoAbsentBackfill)
	att := attendance.NewService(
		attendance.NewPostgresRepository(db.Client),
		cfg.CampusSecret, cfg.QRGrace)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin).Handler())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Healthy(c.Request.Context())
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
	})

	deadline := httpmiddleware.StorageDeadline(cfg.DBTimeout)

	faculty := r.Group("/v1/faculty",
		auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleFaculty), deadline)

	faculty.POST("/sessions", func(c *gin.Context) {
		var req struct {
			SubjectID   int64  `json:"subject_id" binding:"required"`
			TimetableID *int64 `json:"timetable_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		p := auth.PrincipalFrom(c)
		res, err := sessions.Start(c.Request.Context(), p.UserID, req.SubjectID, req.TimetableID)
		if err != nil {
			fail(c, err)
			return
		}
		metrics.SessionsStarted.Inc()
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": res})
	})

	// Not /sessions/active: a static segment cannot share a position with
	// the :id wildcard in gin's route tree.
	faculty.GET("/active-sessions", func(c *gin.Context) {
		p := auth.PrincipalFrom(c)
		list, err := sessions.ActiveSessions(c.Request.Context(), p.UserID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": list})
	})

	faculty.GET("/sessions/:id/qr", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		p := auth.PrincipalFrom(c)
		tok, err := sessions.CurrentToken(c.Request.Context(), p.UserID, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": tok})
	})

	faculty.POST("/sessions/:id/end", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		// Body is optional; ending without a headcount is the common case.
		var req struct {
			PhysicalHeadcount *int `json:"physical_headcount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		p := auth.PrincipalFrom(c)
		res, err := sessions.End(c.Request.Context(), p.UserID, id, req.PhysicalHeadcount)
		if err != nil {
			fail(c, err)
			return
		}
		metrics.SessionsEnded.Inc()
		if res.CountMismatch {
			metrics.HeadcountMismatches.Inc()
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
	})

	faculty.GET("/sessions/:id/attendance", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		p := auth.PrincipalFrom(c)
		roster, err := att.SessionRoster(c.Request.Context(), p.UserID, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": roster})
	})

	faculty.POST("/attendance/manual", func(c *gin.Context) {
		var req struct {
			SessionID int64  `json:"session_id" binding:"required"`
			StudentID int64  `json:"student_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
			Reason    string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		p := auth.PrincipalFrom(c)
		res, err := att.MarkManual(c.Request.Context(), p.UserID, req.SessionID, req.StudentID,
			attendance.RecordStatus(req.Status), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
	})

	faculty.POST("/attendance/modify", func(c *gin.Context) {
		var req struct {
			SessionID     int64  `json:"session_id" binding:"required"`
			StudentNumber string `json:"student_number" binding:"required"`
			Status        string `json:"status" binding:"required"`
			Reason        string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		p := auth.PrincipalFrom(c)
		res, err := att.Modify(c.Request.Context(), p.UserID, req.SessionID, req.StudentNumber,
			attendance.RecordStatus(req.Status), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
	})

	faculty.POST("/slots", func(c *gin.Context) {
		var req struct {
			SubjectID   int64  `json:"subject_id" binding:"required"`
			LectureDate string `json:"lecture_date" binding:"required"`
			StartTime   string `json:"start_time" binding:"required"`
			EndTime     string `json:"end_time" binding:"required"`
			Room        string `json:"room"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		date, err := time.Parse("2006-01-02", req.LectureDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Fail("lecture_date must be YYYY-MM-DD"))
			return
		}
		p := auth.PrincipalFrom(c)
		slot, err := sessions.ScheduleSlot(c.Request.Context(), p.UserID, req.SubjectID,
			date, req.StartTime, req.EndTime, req.Room)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": slot})
	})

	student := r.Group("/v1/student",
		auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent), deadline)

	student.POST("/scans", func(c *gin.Context) {
		var req struct {
			QRData string `json:"qr_data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		p := auth.PrincipalFrom(c)
		res, err := att.SubmitScan(c.Request.Context(), p.UserID, req.QRData)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("unknown", "rejected").Inc()
			fail(c, err)
			return
		}
		outcome := "accepted"
		if res.AlreadyMarked {
			outcome = "already_marked"
		}
		metrics.ScansTotal.WithLabelValues(res.Type, outcome).Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
	})

	student.GET("/attendance", func(c *gin.Context) {
		p := auth.PrincipalFrom(c)
		history, err := att.StudentHistory(c.Request.Context(), p.UserID, queryLimit(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": history})
	})

	// Any authenticated user may fetch the campus QR; lobby displays
	// authenticate like everyone else.
	r.GET("/v1/campus-qr",
		auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer),
		func(c *gin.Context) {
			tok, err := att.CampusToken()
			if err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": tok})
		})

	admin := r.Group("/v1/admin",
		auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin), deadline)

	admin.GET("/attendance-logs", func(c *gin.Context) {
		entries, err := att.AuditLog(c.Request.Context(), queryLimit(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": entries})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// fail maps a service error to its status and envelope.
func fail(c *gin.Context, err error) {
	status := response.Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("internal error on %s: %v", c.FullPath(), err)
		msg = "internal error"
	}
	c.JSON(status, response.Fail(msg))
}

// pathID parses the :id path segment; writes the error response itself.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, response.Fail("invalid id"))
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return 0
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
