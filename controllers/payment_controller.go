package controllers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/middlewares"
	"storefront/payments"
	"storefront/services"
)

const maxWebhookBody = 64 << 10

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, actor services.Actor, orderID string) (payments.Intent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (payments.Intent, error)
	HandleGatewayEvent(ctx context.Context, signatureHeader string, payload []byte) (services.WebhookResult, error)
}

type PaymentController struct {
	payments PaymentService
	log      *slog.Logger
}

func NewPaymentController(payments PaymentService, log *slog.Logger) *PaymentController {
	return &PaymentController{payments: payments, log: log}
}

type createIntentRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

func (ctl *PaymentController) CreatePaymentIntent(c *gin.Context) {
	defer recordOperation(c, "create_payment_intent")

	a, ok := actor(c)
	if !ok {
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	intent, err := ctl.payments.CreatePaymentIntent(c.Request.Context(), a, req.OrderID)
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"client_secret": intent.ClientSecret, "payment_intent_id": intent.ID})
}

func (ctl *PaymentController) GetPaymentIntent(c *gin.Context) {
	intent, err := ctl.payments.GetPaymentIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, intent)
}

// Webhook must receive the body exactly as sent; the signature covers the
// raw bytes.
func (ctl *PaymentController) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		middlewares.RecordGatewayEvent("unknown", "unreadable")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}

	result, err := ctl.payments.HandleGatewayEvent(c.Request.Context(), c.GetHeader("Stripe-Signature"), payload)
	if err != nil {
		outcome := "error"
		if errors.Is(err, services.ErrSignatureInvalid) {
			outcome = "invalid_signature"
		}
		middlewares.RecordGatewayEvent(eventLabel(result.EventType), outcome)
		respondError(c, ctl.log, err)
		return
	}

	outcome := "ignored"
	switch {
	case result.Duplicate:
		outcome = "duplicate"
	case result.Applied:
		outcome = "applied"
	}
	middlewares.RecordGatewayEvent(eventLabel(result.EventType), outcome)

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// eventLabel bounds metric cardinality to the event kinds the store handles.
func eventLabel(eventType string) string {
	switch eventType {
	case payments.EventPaymentSucceeded, payments.EventPaymentFailed:
		return eventType
	case "":
		return "unknown"
	default:
		return "other"
	}
}
