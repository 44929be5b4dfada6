package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/middlewares"
	"github.com/freshcart/storefront_backend/models"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/freshcart/storefront_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("freshcart-storefront")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// statusForAllocationError maps the allocation error taxonomy to HTTP codes.
// Business-recoverable conditions are 409/422, data errors 400, contention 503.
func statusForAllocationError(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrProductMismatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrBatchNotEligible),
		errors.Is(err, models.ErrInsufficientSellableStock),
		errors.Is(err, models.ErrMissingBatchAssignment),
		errors.Is(err, models.ErrStaleSellability):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func allocationErrorResponse(err error) gin.H {
	resp := gin.H{"error": err.Error()}
	var shortfall *models.InsufficientSellableStockError
	if errors.As(err, &shortfall) {
		resp["product_id"] = shortfall.ProductId
		resp["product_name"] = shortfall.ProductName
		resp["requested"] = shortfall.Requested.String()
		resp["available"] = shortfall.Available.String()
		resp["shortfall"] = shortfall.Shortfall.String()
	}
	return resp
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func createProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusCreated, product)
	}
}

func getProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

type updateStockRequest struct {
	StockQuantity decimal.Decimal `json:"stock_quantity" binding:"required"`
}

// updateProductStockHandler is the replenishment entry point: an increase in
// tracked stock synthesizes a new batch in the same transaction.
func updateProductStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req updateStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		product, err := models.UpdateProductStock(c.Request.Context(), id, req.StockQuantity)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func createBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		batch, err := models.CreateBatch(c.Request.Context(), &input)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Query("product_id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_id query parameter is required"})
			return
		}
		remainingOnly := strings.EqualFold(c.Query("remaining_only"), "true")
		batches, err := models.ListBatches(c.Request.Context(), productId, remainingOnly)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func updateBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.UpdateBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		batch, err := models.UpdateBatchDetails(c.Request.Context(), id, &input)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

type adjustQuantityRequest struct {
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Reason            string          `json:"reason"`
}

func adjustBatchQuantityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req adjustQuantityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		batch, err := models.AdjustBatchQuantity(c.Request.Context(), id, req.RemainingQuantity, req.Reason)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func deleteBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := models.DeleteBatch(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func batchAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		entries, err := models.ListBatchAuditEntries(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type assignBatchRequest struct {
	BatchId int `json:"batch_id" binding:"required"`
}

func assignBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lineId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req assignBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := models.AssignSingleBatch(c.Request.Context(), lineId, req.BatchId); err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		allocations, err := models.GetLineAllocations(c.Request.Context(), lineId)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_line_id": lineId, "allocations": allocations})
	}
}

func unassignBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lineId, ok := pathId(c, "id")
		if !ok {
			return
		}
		if err := models.UnassignBatch(c.Request.Context(), lineId); err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_line_id": lineId, "unassigned": true})
	}
}

func autoAssignLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lineId, ok := pathId(c, "id")
		if !ok {
			return
		}
		if err := models.AutoAssignOrderLine(c.Request.Context(), lineId); err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		allocations, err := models.GetLineAllocations(c.Request.Context(), lineId)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_line_id": lineId, "allocations": allocations})
	}
}

func autoAssignOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		result, err := models.AssignBatchesForOrder(c.Request.Context(), orderId)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func canCompleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		check, err := models.CanCompleteOrder(c.Request.Context(), orderId)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, check)
	}
}

func completeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.CompleteOrder(c.Request.Context(), orderId)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type sweepRequest struct {
	DaysOverdue int  `json:"days_overdue"`
	DryRun      bool `json:"dry_run"`
}

func sweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sweepRequest
		// Empty body means defaults.
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if req.DaysOverdue < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days_overdue must not be negative"})
			return
		}
		report, err := models.SweepExpired(c.Request.Context(), req.DaysOverdue, req.DryRun)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type auditPurgeRequest struct {
	BatchId int    `json:"batch_id" binding:"required"`
	Before  string `json:"before" binding:"required"`
}

// Ops tooling (admin only): trim audit history for a decommissioned batch.
func auditPurgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req auditPurgeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		before, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		purged, err := models.PurgeBatchAuditLogs(c.Request.Context(), req.BatchId, before)
		if err != nil {
			c.JSON(statusForAllocationError(err), allocationErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": req.BatchId, "purged": purged})
	}
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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.RequestContextMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/products", createProductHandler())
	api.GET("/products/:id", getProductHandler())
	api.PUT("/products/:id/stock", updateProductStockHandler())
	api.POST("/batches", createBatchHandler())
	api.GET("/batches", listBatchesHandler())
	api.GET("/batches/:id", getBatchHandler())
	api.PUT("/batches/:id", updateBatchHandler())
	api.PUT("/batches/:id/quantity", adjustBatchQuantityHandler())
	api.DELETE("/batches/:id", deleteBatchHandler())
	api.GET("/batches/:id/audit", batchAuditHandler())
	api.POST("/orders", createOrderHandler())
	api.GET("/orders/:id", getOrderHandler())
	api.POST("/orders/:id/auto-assign", autoAssignOrderHandler())
	api.GET("/orders/:id/can-complete", canCompleteHandler())
	api.POST("/orders/:id/complete", completeOrderHandler())
	api.POST("/order-lines/:id/assign-batch", assignBatchHandler())
	api.POST("/order-lines/:id/unassign-batch", unassignBatchHandler())
	api.POST("/order-lines/:id/auto-assign", autoAssignLineHandler())
	api.POST("/inventory/sweep", sweepHandler())
	// Ops tooling (admin only).
	r.POST("/internal/ops/audit/purge", auditPurgeHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the notification dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewNotificationDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
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
	}).Info("listening on http://localhost:", port, "/")
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

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
