package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payrouter/internal/repository"
)

// AdminHandler is the explicit operator channel: balance credits go through
// the ledger gateway like every other mutation, never around it.
type AdminHandler struct {
	ledger *repository.LedgerRepository
}

func NewAdminHandler(ledger *repository.LedgerRepository) *AdminHandler {
	return &AdminHandler{ledger: ledger}
}

type creditRequest struct {
	UserID   string          `json:"user_id" binding:"required"`
	Currency string          `json:"currency" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

func (h *AdminHandler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if err := h.ledger.Credit(c.Request.Context(), req.UserID, req.Currency, req.Amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": true})
}

// Balances exposes the sub-balances and open reservations for one user.
// Observability only; nothing authorizes against this view.
func (h *AdminHandler) Balances(c *gin.Context) {
	balances, reservations, err := h.ledger.Read(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balances":          balances,
		"open_reservations": reservations,
	})
}
