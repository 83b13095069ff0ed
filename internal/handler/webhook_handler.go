package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"payrouter/internal/domain"
	"payrouter/internal/service"
)

type WebhookHandler struct {
	payoutSvc *service.PayoutService
}

func NewWebhookHandler(payoutSvc *service.PayoutService) *WebhookHandler {
	return &WebhookHandler{payoutSvc: payoutSvc}
}

// Handle ingests one provider callback. A bad signature is refused with 401
// and nothing persisted; once the event is stored the answer is always 200
// so the provider stops retrying, even when mapping fails.
func (h *WebhookHandler) Handle(c *gin.Context) {
	providerID := c.Param("provider")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	err = h.payoutSvc.HandleCallback(c.Request.Context(), providerID, body, c.Request.Header)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, domain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback processing failed"})
	}
}
