package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/provider"
	"payment-service/internal/service"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	ingest       *service.WebhookIngest
	auth         *service.AuthClient
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, ingest *service.WebhookIngest, auth *service.AuthClient) *Handler {
	return &Handler{
		orderService: orderService,
		ingest:       ingest,
		auth:         auth,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks carry their own signatures; no bearer auth.
	router.POST("/webhooks/:provider", h.handleWebhook)

	payments := router.Group("/api/v1/payments")
	payments.Use(h.authMiddleware())
	{
		payments.POST("/:provider/orders", h.createOrder)
		payments.GET("/status", h.getOrderStatus)
		payments.POST("/orders/:order_no/cancel", h.cancelOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// authMiddleware verifies the bearer token and stores the user ID in the
// request context.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		userID, err := h.auth.VerifyToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, service.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Authentication unavailable"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// createOrder handles order creation for the provider in the path.
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.Provider = models.Provider(c.Param("provider"))
	req.UserID = c.GetString("user_id")

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getOrderStatus returns the order's status, merged with a live provider
// snapshot for pending orders.
func (h *Handler) getOrderStatus(c *gin.Context) {
	orderNo := c.Query("out_trade_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing out_trade_no"})
		return
	}

	resp, err := h.orderService.QueryStatus(c.Request.Context(), orderNo, c.GetString("user_id"))
	if err != nil {
		h.writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// cancelOrder fails a pending order at the user's request.
func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orderService.Cancel(c.Request.Context(), c.Param("order_no"), c.GetString("user_id"))
	if err != nil {
		h.writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"out_trade_no": order.OrderNo,
		"status":       order.Status,
	})
}

// writeOrderError maps service errors to HTTP responses.
func (h *Handler) writeOrderError(c *gin.Context, err error) {
	var dup *service.DuplicateSubmissionError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":  false,
			"code":     "DUPLICATE_PAYMENT",
			"waitTime": dup.WaitSeconds,
		})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrProviderDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Order does not belong to caller"})
	case errors.Is(err, service.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// handleWebhook receives a provider notification and answers in the
// acknowledgement dialect each provider expects.
func (h *Handler) handleWebhook(c *gin.Context) {
	p := models.Provider(c.Param("provider"))
	if !p.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		h.writeWebhookError(c, p, http.StatusBadRequest, "unreadable body")
		return
	}

	// Alipay signs form parameters rather than the raw body.
	var form url.Values
	if strings.Contains(c.ContentType(), "application/x-www-form-urlencoded") {
		if form, err = url.ParseQuery(string(body)); err != nil {
			h.writeWebhookError(c, p, http.StatusBadRequest, "malformed form body")
			return
		}
	}

	result, err := h.ingest.Receive(c.Request.Context(), p, c.Request.Header, form, body)
	if err != nil {
		if errors.Is(err, provider.ErrSignatureInvalid) {
			h.writeWebhookError(c, p, http.StatusUnauthorized, "signature verification failed")
			return
		}
		// 5xx makes the provider redeliver.
		h.writeWebhookError(c, p, http.StatusInternalServerError, "processing failed")
		return
	}

	switch p {
	case models.ProviderAlipay:
		c.String(http.StatusOK, "success")
	case models.ProviderWechat:
		c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": "OK"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(result.Outcome)})
	}
}

// writeWebhookError answers a webhook failure in the provider's dialect.
func (h *Handler) writeWebhookError(c *gin.Context, p models.Provider, status int, msg string) {
	switch p {
	case models.ProviderAlipay:
		c.String(status, "failure")
	case models.ProviderWechat:
		c.JSON(status, gin.H{"code": "FAIL", "message": msg})
	default:
		c.JSON(status, gin.H{"error": msg})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
