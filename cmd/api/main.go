package main

import (
	"context"
	"errors"
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

	"classlink/internal/admission"
	"classlink/internal/auth"
	"classlink/internal/clock"
	"classlink/internal/config"
	"classlink/internal/exchange"
	"classlink/internal/geo"
	"classlink/internal/geoloc"
	"classlink/internal/httpmiddleware"
	"classlink/internal/kvstore"
	"classlink/internal/ledger"
	"classlink/internal/queue"
	"classlink/internal/reconcile"
	"classlink/internal/roster"
	"classlink/internal/store"
	"classlink/internal/window"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System()

	kv, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ros, err := roster.Load(ctx, kv, clk)
	if err != nil {
		return err
	}
	led, err := ledger.Load(ctx, kv, clk)
	if err != nil {
		return err
	}

	win := window.Policy{
		StartMinute: cfg.WindowStartMin,
		EndMinute:   cfg.WindowEndMin,
		GraceMin:    cfg.WindowGraceMin,
	}
	fence := geo.Fence{
		Center: geo.Point{Lat: cfg.SchoolLat, Lon: cfg.SchoolLon},
		Radius: cfg.SchoolRadius,
	}
	ctl := admission.New(win, fence, led, clk)

	var resolver *geoloc.Resolver
	if cfg.LocationServiceURL != "" {
		resolver = geoloc.NewResolver(geoloc.NewCached(geoloc.NewHTTP(cfg.LocationServiceURL), clk))
		log.Println("location service configured:", cfg.LocationServiceURL)
	} else {
		log.Println("location service not configured, positions treated as unavailable")
	}

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(store.NewRedis(cfg.RedisAddr).Client, "")
	} else {
		q = queue.NewInMemory(64)
	}

	rec := reconcile.New(ros, led, clk, q)
	go reconcile.NewScheduler(rec, win, clk).Run(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Gin())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/v1/students/register", func(c *gin.Context) {
		var req struct {
			Name      string `json:"name" binding:"required"`
			Username  string `json:"username" binding:"required"`
			Email     string `json:"email" binding:"required,email"`
			Password  string `json:"password" binding:"required"`
			Grade     string `json:"grade" binding:"required"`
			Classroom string `json:"classroom" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := ros.RegisterStudent(c.Request.Context(), roster.Student{
			Name: req.Name, Username: req.Username, Email: req.Email,
			Password: req.Password, Grade: req.Grade, Classroom: req.Classroom,
		})
		if err != nil {
			c.JSON(registerStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": st.ID, "username": st.Username})
	})

	r.POST("/v1/students/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := ros.AuthenticateStudent(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong username or password"})
			return
		}
		session, err := auth.Issue(st.ID, st.Name, auth.RoleStudent, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.SessionTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		saveCurrentUser(c.Request.Context(), kv, st.ID, st.Name, auth.RoleStudent)
		if resolver != nil {
			// Kick off the position lookup now so it has a chance to resolve
			// before the student opens the marking screen.
			resolver.Request(subjectKey(st.ID))
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      session.Token,
			"expires_at": session.ExpiresAt.Unix(),
			"student": gin.H{
				"id": st.ID, "name": st.Name, "grade": st.Grade, "classroom": st.Classroom,
			},
		})
	})

	r.POST("/v1/teachers/register", func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Username string `json:"username" binding:"required"`
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
			Subject  string `json:"subject" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := ros.RegisterTeacher(c.Request.Context(), roster.Teacher{
			Name: req.Name, Username: req.Username, Email: req.Email,
			Password: req.Password, Subject: req.Subject,
		})
		if err != nil {
			c.JSON(registerStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": t.ID, "username": t.Username})
	})

	r.POST("/v1/teachers/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := ros.AuthenticateTeacher(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong username or password"})
			return
		}
		session, err := auth.Issue(t.ID, t.Name, auth.RoleTeacher, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.SessionTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		saveCurrentUser(c.Request.Context(), kv, t.ID, t.Name, auth.RoleTeacher)
		c.JSON(http.StatusOK, gin.H{
			"token":      session.Token,
			"expires_at": session.ExpiresAt.Unix(),
			"teacher":    gin.H{"id": t.ID, "name": t.Name, "subject": t.Subject},
		})
	})

	r.POST("/v1/admin/login", func(c *gin.Context) {
		var req struct {
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Password != cfg.AdminPassword {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
			return
		}
		session, err := auth.Issue(0, "Administrator", auth.RoleAdmin, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.SessionTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		saveCurrentUser(c.Request.Context(), kv, 0, "Administrator", auth.RoleAdmin)
		c.JSON(http.StatusOK, gin.H{"token": session.Token, "expires_at": session.ExpiresAt.Unix()})
	})

	authed := r.Group("/v1", auth.SessionAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authed.POST("/logout", func(c *gin.Context) {
		if err := kv.Delete(c.Request.Context(), kvstore.KeyCurrentUser); err != nil {
			log.Printf("clear current user: %v", err)
		}
		c.Status(http.StatusNoContent)
	})

	studentOnly := authed.Group("", auth.RequireRole(auth.RoleStudent))

	studentOnly.GET("/attendance/affordances", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		var pos *geo.Point
		if resolver != nil {
			resolver.Request(subjectKey(claims.UserID))
			pos = resolver.Resolved(subjectKey(claims.UserID))
		}
		c.JSON(http.StatusOK, ctl.Affordances(claims.UserID, pos))
	})

	studentOnly.POST("/attendance", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.FromContext(c)
		st, err := ros.StudentByID(claims.UserID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not registered"})
			return
		}
		var pos *geo.Point
		if resolver != nil {
			pos = resolver.Resolved(subjectKey(st.ID))
		}
		rec, err := ctl.Submit(c.Request.Context(), st, ledger.Status(req.Status), pos)
		if err != nil {
			c.JSON(admissionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	studentOnly.GET("/attendance/history", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		c.JSON(http.StatusOK, gin.H{"records": led.ByStudent(claims.UserID)})
	})

	staff := authed.Group("", auth.RequireRole(auth.RoleTeacher, auth.RoleAdmin))

	staff.GET("/classrooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"classrooms": ros.Classrooms(c.Query("grade"))})
	})

	staff.GET("/attendance/class", func(c *gin.Context) {
		grade, classroom := c.Query("grade"), c.Query("classroom")
		date := c.Query("date")
		if grade == "" || classroom == "" || date == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "grade, classroom and date required"})
			return
		}
		byStudent := map[int64]ledger.Record{}
		for _, rec := range led.ByClass(grade, classroom, date) {
			byStudent[rec.StudentID] = rec
		}
		type row struct {
			Student roster.Student `json:"student"`
			Status  string         `json:"status"`
			Auto    bool           `json:"autoMarked"`
		}
		var rows []row
		for _, st := range ros.ClassStudents(grade, classroom) {
			st.Password = ""
			entry := row{Student: st, Status: "not-marked"}
			if rec, ok := byStudent[st.ID]; ok {
				entry.Status = string(rec.Status)
				entry.Auto = rec.AutoMarked
			}
			rows = append(rows, entry)
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	staff.GET("/attendance/overview", func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": led.ByDate(date)})
	})

	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))

	admin.GET("/students", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"students": studentOverview(ros, led)})
	})

	admin.GET("/teachers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"teachers": ros.Teachers()})
	})

	admin.GET("/students/:id/attendance", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad student id"})
			return
		}
		present, total, rate := led.Rate(id)
		c.JSON(http.StatusOK, gin.H{
			"records": led.ByStudent(id),
			"present": present, "total": total, "rate": rate,
		})
	})

	admin.DELETE("/students/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad student id"})
			return
		}
		st, err := ros.DeleteStudent(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such student"})
			return
		}
		// Cascade: the account owns its ledger entries.
		if err := led.DeleteByStudent(c.Request.Context(), id); err != nil {
			log.Printf("cascade delete for student %d: %v", id, err)
		}
		c.JSON(http.StatusOK, gin.H{"deleted": st.Name})
	})

	admin.DELETE("/teachers/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad teacher id"})
			return
		}
		t, err := ros.DeleteTeacher(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such teacher"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": t.Name})
	})

	admin.GET("/export", func(c *gin.Context) {
		data, err := exchange.ExportJSON(ros, led, clk)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		name := "classlink-backup-" + window.DateKey(clk.Now()) + ".json"
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "application/json", data)
	})

	admin.GET("/export/attendance.csv", func(c *gin.Context) {
		serveCSV(c, "attendance-report", func() ([]byte, error) { return exchange.AttendanceCSV(led.All()) }, clk)
	})
	admin.GET("/export/students.csv", func(c *gin.Context) {
		serveCSV(c, "students-list", func() ([]byte, error) { return exchange.StudentsCSV(ros.Students()) }, clk)
	})
	admin.GET("/export/teachers.csv", func(c *gin.Context) {
		serveCSV(c, "teachers-list", func() ([]byte, error) { return exchange.TeachersCSV(ros.Teachers()) }, clk)
	})

	admin.POST("/import", func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
			return
		}
		res, err := exchange.Import(c.Request.Context(), data, ros, led)
		if err != nil {
			if errors.Is(err, exchange.ErrBadBundle) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid bundle format"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	admin.POST("/reset", func(c *gin.Context) {
		rctx := c.Request.Context()
		if err := ros.Reset(rctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := led.Reset(rctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := kv.Delete(rctx, kvstore.KeyCurrentUser); err != nil {
			log.Printf("clear current user: %v", err)
		}
		c.Status(http.StatusNoContent)
	})

	admin.GET("/stats", func(c *gin.Context) {
		today := window.DateKey(clk.Now())
		todays := led.ByDate(today)
		present, auto := 0, 0
		for _, rec := range todays {
			if rec.Status == ledger.Present {
				present++
			}
			if rec.AutoMarked {
				auto++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"students":     len(ros.Students()),
			"teachers":     len(ros.Teachers()),
			"records":      led.Len(),
			"todayMarked":  len(todays),
			"todayPresent": present,
			"todayAuto":    auto,
		})
	})

	// Manual sweep trigger, mirrors the reconciler for spot checks.
	admin.POST("/reconcile/run", func(c *gin.Context) {
		n, err := rec.Run(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "marked": n})
			return
		}
		c.JSON(http.StatusOK, gin.H{"marked": n})
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
	cancel() // stops the reconciler schedule

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// openStore picks the document store backend.
func openStore(cfg config.App) (kvstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		kv, err := kvstore.NewPostgres(db.Client)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return kv, func() { _ = db.Close() }, nil
	case "redis":
		r := store.NewRedis(cfg.RedisAddr)
		return kvstore.NewRedisStore(r.Client, ""), func() { _ = r.Client.Close() }, nil
	default:
		db, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		kv, err := kvstore.NewSQLite(db.Client)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return kv, func() { _ = db.Close() }, nil
	}
}

func subjectKey(id int64) string { return strconv.FormatInt(id, 10) }

type studentRow struct {
	roster.Student
	Present int `json:"presentCount"`
	Total   int `json:"recordCount"`
	Rate    int `json:"attendanceRate"`
}

// studentOverview lists the roster with per-student attendance rates.
// Passwords never leave the process.
func studentOverview(ros *roster.Store, led *ledger.Ledger) []studentRow {
	var rows []studentRow
	for _, st := range ros.Students() {
		st.Password = ""
		present, total, rate := led.Rate(st.ID)
		rows = append(rows, studentRow{Student: st, Present: present, Total: total, Rate: rate})
	}
	return rows
}

// saveCurrentUser mirrors the session into the document store. Best effort:
// a failed write never blocks a login.
func saveCurrentUser(ctx context.Context, kv kvstore.Store, id int64, name, role string) {
	doc := map[string]any{"id": id, "name": name, "role": role}
	if err := kvstore.SetJSON(ctx, kv, kvstore.KeyCurrentUser, doc); err != nil {
		log.Printf("save current user: %v", err)
	}
}

func registerStatus(err error) int {
	switch {
	case errors.Is(err, roster.ErrUsernameTaken), errors.Is(err, roster.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, roster.ErrMissingFields):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrAlreadyMarked):
		return http.StatusConflict
	case errors.Is(err, admission.ErrOutsideWindow), errors.Is(err, admission.ErrInvalidLocationForStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, admission.ErrBadStatus):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func serveCSV(c *gin.Context, name string, build func() ([]byte, error), clk clock.Clock) {
	data, err := build()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	filename := name + "-" + window.DateKey(clk.Now()) + ".csv"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
