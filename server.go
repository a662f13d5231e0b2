package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/middlewares"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/models/reports"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
	"bitbucket.org/mmdatafocus/qms_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("qms-backend")

// kindStatus maps the stable error kinds onto HTTP statuses. Nothing
// downgrades a kind on the way out.
func kindStatus(err error) int {
	switch utils.KindOf(err) {
	case utils.ErrorKindValidation:
		return http.StatusBadRequest
	case utils.ErrorKindConflict:
		return http.StatusConflict
	case utils.ErrorKindNotFound:
		return http.StatusNotFound
	case utils.ErrorKindInvalidState:
		return http.StatusUnprocessableEntity
	case utils.ErrorKindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(kindStatus(err), gin.H{
		"error": err.Error(),
		"kind":  string(utils.KindOf(err)),
	})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id", "kind": string(utils.ErrorKindValidation)})
		return 0, false
	}
	return id, true
}

func loginHandler() gin.HandlerFunc {
	type loginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logged_out": ok})
	}
}

func createBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(utils.ErrorKindValidation)})
			return
		}
		batch, err := engine.Create(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.BatchStatus
		if s := c.Query("status"); s != "" {
			bs := models.BatchStatus(s)
			status = &bs
		}
		var productId, makerId *int
		if s := c.Query("product_id"); s != "" {
			if id, err := strconv.Atoi(s); err == nil {
				productId = &id
			}
		}
		if s := c.Query("maker_id"); s != "" {
			if id, err := strconv.Atoi(s); err == nil {
				makerId = &id
			}
		}
		batches, err := models.GetBatches(c.Request.Context(), status, productId, makerId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

func getBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := engine.GetBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func updateBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.UpdateBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(utils.ErrorKindValidation)})
			return
		}
		batch, err := engine.Update(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func submitBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := engine.Submit(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func approveBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := engine.Approve(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func rejectBatchHandler(engine *workflow.Engine) gin.HandlerFunc {
	type rejectRequest struct {
		Remarks string `json:"remarks"`
	}
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(utils.ErrorKindValidation)})
			return
		}
		batch, err := engine.Reject(c.Request.Context(), id, req.Remarks)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func verifyParametersHandler(engine *workflow.Engine) gin.HandlerFunc {
	type verifyRequest struct {
		Verifications []models.NewVerification `json:"verifications" binding:"required"`
	}
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(utils.ErrorKindValidation)})
			return
		}
		batch, err := engine.RecordParameterVerification(c.Request.Context(), id, req.Verifications)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func completeVerificationHandler(engine *workflow.Engine) gin.HandlerFunc {
	type completeRequest struct {
		Action  models.BatchStatus `json:"action" binding:"required"`
		Remarks string             `json:"remarks"`
	}
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(utils.ErrorKindValidation)})
			return
		}
		batch, err := engine.CompleteVerification(c.Request.Context(), id, req.Action, req.Remarks)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func certificateHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		doc, err := engine.BuildCertificate(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func certificateExportHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		doc, err := engine.BuildCertificate(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+strings.ReplaceAll(doc.CertificateNumber, "/", "_")+".xlsx")
		if err := reports.WriteCertificateExcel(c.Writer, doc); err != nil {
			config.LogError(config.GetLogger(), "server.go", "certificateExportHandler", "write xlsx", id, err)
		}
	}
}

func listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		unreadOnly := strings.EqualFold(c.Query("unread"), "true")
		notifications, err := models.GetNotifications(c.Request.Context(), userId, unreadOnly)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

func readNotificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		if err := models.MarkNotificationRead(c.Request.Context(), userId, id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var referenceId, userId *int
		var referenceType *string
		if s := c.Query("reference_id"); s != "" {
			if id, err := strconv.Atoi(s); err == nil {
				referenceId = &id
			}
		}
		if s := c.Query("reference_type"); s != "" {
			referenceType = &s
		}
		if s := c.Query("user_id"); s != "" {
			if id, err := strconv.Atoi(s); err == nil {
				userId = &id
			}
		}
		histories, err := models.GetHistories(c.Request.Context(), referenceId, referenceType, userId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, histories)
	}
}

// referenceRoutes mounts the read-only-to-this-core reference data CRUD.
func referenceRoutes(r *gin.RouterGroup) {
	adminOnly := middlewares.RequireRole()

	r.GET("/products", func(c *gin.Context) {
		results, err := models.GetProducts(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/products", adminOnly, func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	r.GET("/categories", func(c *gin.Context) {
		results, err := models.GetParameterCategories(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/categories", adminOnly, func(c *gin.Context) {
		var input models.NewParameterCategory
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateParameterCategory(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	r.GET("/parameters", func(c *gin.Context) {
		results, err := models.GetParameters(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/parameters", adminOnly, func(c *gin.Context) {
		var input models.NewParameter
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateParameter(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	r.GET("/units", func(c *gin.Context) {
		results, err := models.GetUnits(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/units", adminOnly, func(c *gin.Context) {
		var input models.NewUnit
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateUnit(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	r.GET("/methodologies", func(c *gin.Context) {
		results, err := models.GetMethodologies(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/methodologies", adminOnly, func(c *gin.Context) {
		var input models.NewMethodology
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateMethodology(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	r.GET("/standards", func(c *gin.Context) {
		var parameterId *int
		if s := c.Query("parameter_id"); s != "" {
			if id, err := strconv.Atoi(s); err == nil {
				parameterId = &id
			}
		}
		results, err := models.GetStandardDefinitions(c.Request.Context(), parameterId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	r.POST("/standards", adminOnly, func(c *gin.Context) {
		var input models.NewStandardDefinition
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := models.CreateStandardDefinition(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	r.DELETE("/standards/:id", adminOnly, func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		result, err := models.DeactivateStandardDefinition(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	engine := workflow.NewEngine(workflow.NewGormStore(), workflow.DBDirectory{}, logger)
	engine.AddNotificationSink(workflow.PubSubSink{})
	engine.SetTracer(tracer)

	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on database readiness. Redis is optional.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; allow all elsewhere.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(gin.Recovery())

	r.POST("/auth/login", loginHandler())
	r.POST("/auth/logout", logoutHandler())

	maker := middlewares.RequireRole(models.UserRoleMaker)
	checker := middlewares.RequireRole(models.UserRoleChecker)
	anyRole := middlewares.RequireRole(models.UserRoleMaker, models.UserRoleChecker)

	r.POST("/batches", maker, createBatchHandler(engine))
	r.GET("/batches", anyRole, listBatchesHandler())
	r.GET("/batches/:id", anyRole, getBatchHandler(engine))
	r.PUT("/batches/:id", maker, updateBatchHandler(engine))
	r.POST("/batches/:id/submit", maker, submitBatchHandler(engine))
	r.POST("/batches/:id/approve", checker, approveBatchHandler(engine))
	r.POST("/batches/:id/reject", checker, rejectBatchHandler(engine))
	r.POST("/batches/:id/verifications", checker, verifyParametersHandler(engine))
	r.POST("/batches/:id/complete-verification", checker, completeVerificationHandler(engine))
	r.GET("/batches/:id/certificate", anyRole, certificateHandler(engine))
	r.GET("/batches/:id/certificate/export", anyRole, certificateExportHandler(engine))

	r.GET("/notifications", listNotificationsHandler())
	r.POST("/notifications/:id/read", readNotificationHandler())
	r.GET("/histories", anyRole, listHistoriesHandler())

	referenceRoutes(r.Group("/reference"))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	engine.SetReviewLocker(config.GetRedisLock())

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateModels(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Row-lock based check-then-act needs at least READ COMMITTED.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests, then release shared clients.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("shutdown: " + err.Error())
	}
	config.ClosePubSub()
}
