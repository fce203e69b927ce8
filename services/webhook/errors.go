package webhook

import "errors"

var (
	// ErrInvalidSignature means the request was not signed with our secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrReplayed means the signature timestamp is outside the tolerance window.
	ErrReplayed = errors.New("webhook timestamp outside tolerance")
	// ErrMalformedPayload means the body could not be decoded into a known event.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnsupportedEvent means the event type is not one the system acts on.
	ErrUnsupportedEvent = errors.New("unsupported webhook event type")
)
