package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/pocket-pal/internal/auth"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/engine"
	"github.com/nathanyu/pocket-pal/internal/middleware"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
)

// IdempotencyKeyHeader carries the client's retry key for POST /v1/transfers.
const IdempotencyKeyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single transfer request.
const DefaultTimeout = 5 * time.Second

// Handler contains all HTTP handlers
type Handler struct {
	service *engine.Service
	auth    *auth.Authenticator
	timeout time.Duration
}

// NewHandler creates a new handler. A zero timeout means DefaultTimeout.
func NewHandler(service *engine.Service, authenticator *auth.Authenticator, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{
		service: service,
		auth:    authenticator,
		timeout: timeout,
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// LoginRequest is the request body for the login endpoint
type LoginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	PIN        string `json:"pin" binding:"required"`
}

// LoginResponse is the response body for the login endpoint
type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: err.Error()})
		return
	}

	token, expires, acc, err := h.auth.Login(c.Request.Context(), req.Identifier, req.PIN)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: err.Error()})
		return
	}
	if err != nil {
		h.logFailure(c, "login failed", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: string(domain.KindStorageFailure), Message: "login unavailable"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expires.UTC(),
		AccountID: acc.ID,
	})
}

// TransferRequest is the request body for the transfer endpoint. SenderID
// defaults to the caller.
type TransferRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id" binding:"required"`
	Amount     int64  `json:"amount"`
}

// TransferResponse is the response body for the transfer endpoint
type TransferResponse struct {
	Transaction domain.Transaction `json:"transaction"`
	Replayed    bool               `json:"replayed"`
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: err.Error()})
		return
	}

	caller := auth.Principal(c)
	if req.SenderID == "" {
		req.SenderID = caller
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	tx, replayed, err := h.service.Transfer(ctx, caller, req.SenderID, req.ReceiverID, req.Amount, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, TransferResponse{Transaction: tx, Replayed: replayed})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acc, ok := h.ownAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, acc)
}

// TransactionsResponse is the response body for the history endpoint
type TransactionsResponse struct {
	AccountID    string               `json:"account_id"`
	Transactions []domain.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
}

// ListTransactions handles GET /v1/accounts/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	acc, ok := h.ownAccount(c)
	if !ok {
		return
	}

	txs, err := h.service.ListTransactions(c.Request.Context(), acc.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	c.JSON(http.StatusOK, TransactionsResponse{
		AccountID:    acc.ID,
		Transactions: txs,
		Count:        len(txs),
	})
}

// ownAccount resolves :id (phone or email) and requires it to be the
// caller's account. Unknown identifiers get the same 403 as foreign ones.
func (h *Handler) ownAccount(c *gin.Context) (domain.Account, bool) {
	identifier := c.Param("id")
	acc, err := h.service.Account(c.Request.Context(), identifier)
	if err != nil && domain.KindOf(err) != "" {
		h.writeError(c, err)
		return domain.Account{}, false
	}
	if err != nil || acc.ID != auth.Principal(c) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   string(domain.KindForbidden),
			Message: "account does not belong to the caller",
		})
		return domain.Account{}, false
	}
	return acc, true
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidAmount, domain.KindSelfTransfer:
		return http.StatusBadRequest
	case domain.KindSenderNotFound, domain.KindReceiverNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindIdempotencyConflict:
		return http.StatusConflict
	case domain.KindContention, domain.KindIdempotencyInFlight, domain.KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		// NoFeeCollectorConfigured is a deployment fault.
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	if kind == "" {
		kind = domain.KindStorageFailure
	}

	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logFailure(c, "request failed", err)
		// Storage details stay in the log.
		message = string(kind)
	}
	if kind.Retryable() {
		c.Header("Retry-After", "1")
	}
	middleware.SetErrorKind(c, string(kind))
	c.JSON(status, ErrorResponse{Error: string(kind), Message: message})
}

func (h *Handler) logFailure(c *gin.Context, msg string, err error) {
	telemetry.Logger.ErrorContext(c.Request.Context(), msg,
		slog.String("route", c.FullPath()),
		slog.String("request_id", middleware.RequestID(c)),
		slog.String("error", err.Error()),
	)
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/login", h.Login)

		authed := v1.Group("", auth.RequireToken(h.auth))
		authed.POST("/transfers", h.Transfer)
		authed.GET("/accounts/:id", h.GetAccount)
		authed.GET("/accounts/:id/transactions", h.ListTransactions)
	}
}
