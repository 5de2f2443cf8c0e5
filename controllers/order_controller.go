package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/middlewares"
	"storefront/models"
	"storefront/services"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in services.CreateOrderInput) (models.Order, error)
	GetOrder(ctx context.Context, actor services.Actor, orderID string) (models.Order, error)
	ListOrders(ctx context.Context, actor services.Actor) ([]models.Order, error)
}

type LifecycleService interface {
	UpdateStatus(ctx context.Context, actor services.Actor, orderID string, req models.UpdateStatusRequest) (models.Order, error)
	CancelOrder(ctx context.Context, actor services.Actor, orderID string) (models.Order, error)
}

type OrderController struct {
	orders    OrderService
	lifecycle LifecycleService
	log       *slog.Logger
}

func NewOrderController(orders OrderService, lifecycle LifecycleService, log *slog.Logger) *OrderController {
	return &OrderController{orders: orders, lifecycle: lifecycle, log: log}
}

func (ctl *OrderController) CreateOrder(c *gin.Context) {
	defer recordOperation(c, "create")

	a, ok := actor(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := ctl.orders.CreateOrder(c.Request.Context(), services.CreateOrderInput{
		UserID:            a.UserID,
		ShippingAddressID: req.ShippingAddressID,
		DeliveryOption:    req.DeliveryOption,
		Notes:             req.Notes,
	})
	if err != nil {
		recordCheckoutRejection(err)
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func recordCheckoutRejection(err error) {
	var svcErr *services.Error
	switch {
	case !errors.As(err, &svcErr):
		middlewares.RecordCheckoutRejection("internal")
	case svcErr.Reason != "":
		middlewares.RecordCheckoutRejection(string(svcErr.Reason))
	case errors.Is(err, services.ErrTransactionFailed):
		middlewares.RecordCheckoutRejection("transaction_failed")
	default:
		middlewares.RecordCheckoutRejection(svcErr.Subject + "_not_found")
	}
}

func (ctl *OrderController) GetUserOrders(c *gin.Context) {
	defer recordOperation(c, "list")

	a, ok := actor(c)
	if !ok {
		return
	}

	orders, err := ctl.orders.ListOrders(c.Request.Context(), a)
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

func (ctl *OrderController) GetOrderDetails(c *gin.Context) {
	defer recordOperation(c, "details")

	a, ok := actor(c)
	if !ok {
		return
	}

	order, err := ctl.orders.GetOrder(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (ctl *OrderController) UpdateOrderStatus(c *gin.Context) {
	defer recordOperation(c, "update_status")

	a, ok := actor(c)
	if !ok {
		return
	}

	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == nil && req.PaymentStatus == nil && req.TrackingNumber == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}

	order, err := ctl.lifecycle.UpdateStatus(c.Request.Context(), a, c.Param("id"), req)
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (ctl *OrderController) CancelOrder(c *gin.Context) {
	defer recordOperation(c, "cancel")

	a, ok := actor(c)
	if !ok {
		return
	}

	order, err := ctl.lifecycle.CancelOrder(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Order cancelled successfully", "order": order})
}
