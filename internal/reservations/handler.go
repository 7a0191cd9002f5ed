package reservations

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildhall/backend/internal/events"
	"github.com/guildhall/backend/internal/middleware"
	"github.com/guildhall/backend/internal/quota"
	"github.com/guildhall/backend/internal/registrations"
	"github.com/guildhall/backend/pkg/response"
)

// SignatureHeader carries the hex HMAC-SHA256 of a payment webhook body.
const SignatureHeader = "X-Payment-Signature"

// ReserveRequest is the body for POST /events/:id/reservations.
type ReserveRequest struct {
	Amount int    `json:"amount"`
	RoleID string `json:"role_id,omitempty"` // role the client displayed; optional
}

// PaymentWebhook is the body for POST /webhooks/payments.
type PaymentWebhook struct {
	BatchID uuid.UUID `json:"batch_id" binding:"required"`
	Status  string    `json:"status" binding:"required"`
}

// Handler handles reservation HTTP endpoints.
type Handler struct {
	svc           *Service
	webhookSecret []byte
	logger        *zap.Logger
}

// NewHandler creates a reservations handler. An empty webhookSecret
// rejects every payment webhook.
func NewHandler(svc *Service, webhookSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, webhookSecret: []byte(webhookSecret), logger: logger}
}

// Register mounts the routes. auth guards the caller-scoped routes.
func (h *Handler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/events/:id/availability", h.Availability)
	r.POST("/webhooks/payments", h.PaymentResult)

	authed := r.Group("", auth)
	authed.POST("/events/:id/reservations", h.Reserve)
	authed.GET("/events/:id/reservations/me", h.Mine)
	authed.DELETE("/reservations/:batchId", h.Cancel)
	authed.POST("/reservations/:batchId/payment", h.StartPayment)
}

// Reserve handles POST /events/:id/reservations.
func (h *Handler) Reserve(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		reject(c, ReasonUnauthorized)
		return
	}
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		reject(c, ReasonInvalidEvent)
		return
	}
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, ReasonInvalidAmount)
		return
	}

	out, err := h.svc.Reserve(c.Request.Context(), Request{
		UserID:  userID,
		EventID: eventID,
		Amount:  req.Amount,
		RoleID:  req.RoleID,
	})
	if err != nil {
		response.Internal(c, "failed to reserve tickets")
		return
	}
	if !out.Success {
		reject(c, out.Reason)
		return
	}
	response.Created(c, out)
}

// Cancel handles DELETE /reservations/:batchId.
func (h *Handler) Cancel(c *gin.Context) {
	userID, batchID, ok := callerBatch(c)
	if !ok {
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), userID, batchID); err != nil {
		h.batchError(c, err, batchID, "failed to cancel reservation")
		return
	}
	response.NoContent(c)
}

// StartPayment handles POST /reservations/:batchId/payment.
func (h *Handler) StartPayment(c *gin.Context) {
	userID, batchID, ok := callerBatch(c)
	if !ok {
		return
	}
	attempt, err := h.svc.StartPayment(c.Request.Context(), userID, batchID)
	if err != nil {
		h.batchError(c, err, batchID, "failed to start payment")
		return
	}
	response.Created(c, attempt)
}

// Mine handles GET /events/:id/reservations/me.
func (h *Handler) Mine(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		reject(c, ReasonUnauthorized)
		return
	}
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		reject(c, ReasonInvalidEvent)
		return
	}
	list, err := h.svc.MyReservations(c.Request.Context(), userID, eventID)
	if err != nil {
		h.logger.Error("list reservations failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.Internal(c, "failed to list reservations")
		return
	}
	response.OK(c, gin.H{"reservations": list, "count": len(list)})
}

// Availability handles GET /events/:id/availability.
func (h *Handler) Availability(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		reject(c, ReasonInvalidEvent)
		return
	}
	a, err := h.svc.Availability(c.Request.Context(), eventID)
	if errors.Is(err, events.ErrNotFound) {
		reject(c, ReasonEventNotFound)
		return
	}
	if err != nil {
		h.logger.Error("availability failed", zap.Error(err), zap.String("event_id", eventID.String()))
		response.Internal(c, "failed to load availability")
		return
	}
	response.OK(c, a)
}

// PaymentResult handles POST /webhooks/payments from the payment collaborator.
func (h *Handler) PaymentResult(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if !h.validSignature(body, c.GetHeader(SignatureHeader)) {
		response.Unauthorized(c, "invalid signature")
		return
	}
	var req PaymentWebhook
	if err := binding.JSON.BindBody(body, &req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	err = h.svc.CompletePayment(c.Request.Context(), req.BatchID, req.Status)
	switch {
	case errors.Is(err, ErrInvalidPaymentStatus):
		response.BadRequest(c, "invalid payment status")
	case err != nil:
		h.batchError(c, err, req.BatchID, "failed to record payment")
	default:
		response.NoContent(c)
	}
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	if len(h.webhookSecret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.webhookSecret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return m.Sum(nil)
}

func (h *Handler) batchError(c *gin.Context, err error, batchID uuid.UUID, msg string) {
	switch {
	case errors.Is(err, registrations.ErrBatchNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, registrations.ErrBatchExpired),
		errors.Is(err, registrations.ErrBatchPaid),
		errors.Is(err, registrations.ErrPaymentPending),
		errors.Is(err, registrations.ErrNoPendingPayment):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("batch_id", batchID.String()))
		response.Internal(c, msg)
	}
}

func callerBatch(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		reject(c, ReasonUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	batchID, err := uuid.Parse(c.Param("batchId"))
	if err != nil {
		response.BadRequest(c, "invalid reservation id")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, batchID, true
}

func reject(c *gin.Context, r quota.Reason) {
	response.Reject(c, Status(r), string(r), Message(r))
}
