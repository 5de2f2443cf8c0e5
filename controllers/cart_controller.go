package controllers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/models"
)

type CartService interface {
	GetCart(ctx context.Context, userID string) (models.CartResponse, error)
	AddLine(ctx context.Context, userID, productID string, quantity int) (models.CartLine, error)
	ClearCart(ctx context.Context, userID string) error
}

type CartController struct {
	carts CartService
	log   *slog.Logger
}

func NewCartController(carts CartService, log *slog.Logger) *CartController {
	return &CartController{carts: carts, log: log}
}

func (ctl *CartController) GetCart(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}

	cart, err := ctl.carts.GetCart(c.Request.Context(), a.UserID)
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, cart)
}

func (ctl *CartController) AddToCart(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}

	var req models.AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	line, err := ctl.carts.AddLine(c.Request.Context(), a.UserID, req.ProductID, req.Quantity)
	if err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, line)
}

func (ctl *CartController) ClearCart(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}

	if err := ctl.carts.ClearCart(c.Request.Context(), a.UserID); err != nil {
		respondError(c, ctl.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}
