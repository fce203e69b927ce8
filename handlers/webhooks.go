package handlers

import (
	"errors"
	"io"
	"net/http"

	"buildappswith/models"
	"buildappswith/services/booking"
	"buildappswith/services/webhook"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 16

type webhookProvider struct {
	provider models.WebhookProvider
	header   string
}

var (
	providerCalendly = webhookProvider{models.ProviderScheduling, webhook.CalendlySignatureHeader}
	providerStripe   = webhookProvider{models.ProviderPayment, webhook.StripeSignatureHeader}
)

type webhookHandlers struct {
	ingestor *webhook.Ingestor
}

// handle acknowledges every delivery the provider should not retry with 200.
// Failures that a retry can fix answer 5xx or 409.
func (h *webhookHandlers) handle(p webhookProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
			return
		}
		if len(body) > maxWebhookBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}

		result, err := h.ingestor.Ingest(c.Request.Context(), p.provider, c.GetHeader(p.header), body)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"status": result})
			return
		}

		switch {
		case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrReplayed):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case result == webhook.ResultRejected:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, booking.ErrStale):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "booking changed concurrently, retry"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed, retry"})
		}
	}
}
