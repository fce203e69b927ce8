package booking

import (
	"context"
	"fmt"

	"buildappswith/models"
)

// HandleWebhookEvent applies one verified provider event. Events that arrive
// ahead of the booking state they need are buffered, not rejected.
func (c *Coordinator) HandleWebhookEvent(ctx context.Context, ev models.WebhookEvent) error {
	if err := ev.Validate(); err != nil {
		return validationError("%v", err)
	}
	switch e := ev.(type) {
	case models.InviteeCreated:
		return c.applyInviteeCreated(ctx, e)
	case models.InviteeCanceled:
		return c.applyInviteeCanceled(ctx, e)
	case models.CheckoutCompleted, models.PaymentAttemptFailed, models.RefundSettled:
		return c.applyPaymentEvent(ctx, ev)
	}
	return fmt.Errorf("%w: %T", models.ErrUnknownEventType, ev)
}
