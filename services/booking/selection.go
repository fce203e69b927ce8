package booking

import (
	"context"
	"errors"
	"net/url"

	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	"buildappswith/models"
)

// BeginSessionSelection checks that the session type can be booked and hands
// back an unpersisted draft. Nothing is written and no provider is called.
func (c *Coordinator) BeginSessionSelection(ctx context.Context, builderID, sessionTypeID, clientID string) (*models.BookingDraft, error) {
	st, err := c.activeSessionType(ctx, builderID, sessionTypeID)
	if err != nil {
		return nil, err
	}
	token := c.newID()
	return &models.BookingDraft{
		BuilderID:        st.BuilderID,
		ClientID:         clientID,
		SessionTypeID:    st.ID,
		SessionTitle:     st.Title,
		EventTypeRef:     st.EventTypeRef,
		Duration:         st.Duration,
		Amount:           st.Price,
		Currency:         st.Currency,
		CorrelationToken: token,
		SchedulingURL:    withCorrelation(st.SchedulingURL, token),
		CreatedAt:        c.now(),
	}, nil
}

func (c *Coordinator) activeSessionType(ctx context.Context, builderID, sessionTypeID string) (*models.SessionType, error) {
	if sessionTypeID == "" {
		return nil, validationError("session type id is required")
	}
	st, err := c.sessionTypes.GetByID(ctx, sessionTypeID)
	if err != nil {
		if errors.Is(err, sessionTypeRepo.ErrNotFound) {
			return nil, ErrSessionTypeNotFound
		}
		return nil, err
	}
	if builderID != "" && st.BuilderID != builderID {
		return nil, validationError("session type %s does not belong to builder %s", sessionTypeID, builderID)
	}
	if !st.Active {
		return nil, ErrSessionTypeInactive
	}
	return st, nil
}

// withCorrelation tags the scheduling link so the provider echoes the token
// back in its invitee notifications.
func withCorrelation(link, token string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	q.Set("utm_content", token)
	u.RawQuery = q.Encode()
	return u.String()
}
