package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payrouter/internal/domain"
	"payrouter/internal/models"
	"payrouter/internal/service"
)

type PayoutHandler struct {
	payoutSvc *service.PayoutService
}

func NewPayoutHandler(payoutSvc *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{payoutSvc: payoutSvc}
}

type createPayoutRequest struct {
	IntentID          string          `json:"intent_id" binding:"required"`
	UserID            string          `json:"user_id" binding:"required"`
	Currency          string          `json:"currency" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Destination       string          `json:"destination" binding:"required"`
	Classification    string          `json:"classification"`
	PreferredProvider string          `json:"preferred_provider"`
}

func payoutReply(p *models.Payout) gin.H {
	return gin.H{"payout_id": p.ID, "state": p.State}
}

// Create accepts a withdrawal intent. Safe to retry: a repeated intent_id
// answers 200 with the original payout.
func (h *PayoutHandler) Create(c *gin.Context) {
	var req createPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, created, err := h.payoutSvc.Create(c.Request.Context(), service.CreateRequest{
		IntentID:          req.IntentID,
		UserID:            req.UserID,
		Currency:          req.Currency,
		Amount:            req.Amount,
		Destination:       req.Destination,
		Classification:    req.Classification,
		PreferredProvider: req.PreferredProvider,
	})
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
		case errors.Is(err, domain.ErrInsufficientFunds):
			body := gin.H{"error": "insufficient funds"}
			if p != nil {
				body["payout_id"] = p.ID
				body["state"] = p.State
			}
			c.JSON(http.StatusPaymentRequired, body)
		case errors.Is(err, domain.ErrConcurrencyCap):
			c.JSON(http.StatusConflict, gin.H{"error": "too many in-flight payouts"})
		case errors.Is(err, domain.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "provider rate limit exceeded"})
		case errors.Is(err, domain.ErrNoEligibleProvider), errors.Is(err, domain.ErrNoEligibleTreasury):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payout creation failed"})
		}
		return
	}
	if created {
		c.JSON(http.StatusCreated, payoutReply(p))
		return
	}
	c.JSON(http.StatusOK, payoutReply(p))
}

// Get returns the full payout record; suitable for polling.
func (h *PayoutHandler) Get(c *gin.Context) {
	p, err := h.payoutSvc.GetPayout(c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// List returns a user's recent payouts.
func (h *PayoutHandler) List(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	payouts, err := h.payoutSvc.ListPayouts(userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

// Cancel honors a caller cancel while the payout is still pre-submit.
func (h *PayoutHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	p, err := h.payoutSvc.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
		case errors.Is(err, domain.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "payout can no longer be cancelled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		}
		return
	}
	c.JSON(http.StatusOK, payoutReply(p))
}
