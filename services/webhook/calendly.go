package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"buildappswith/models"
)

// CalendlySignatureHeader carries "t=<unix>,v1=<hex hmac>".
const CalendlySignatureHeader = "Calendly-Webhook-Signature"

// CalendlyVerifier authenticates and decodes scheduling provider webhooks.
type CalendlyVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewCalendlyVerifier(secret string, tolerance time.Duration) *CalendlyVerifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &CalendlyVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// SetClock overrides the time source.
func (v *CalendlyVerifier) SetClock(now func() time.Time) { v.now = now }

type calendlyEnvelope struct {
	Event     string          `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   calendlyInvitee `json:"payload"`
}

type calendlyInvitee struct {
	URI         string `json:"uri"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Timezone    string `json:"timezone"`
	Event       string `json:"event"`
	Rescheduled bool   `json:"rescheduled"`
	Tracking    struct {
		UTMContent string `json:"utm_content"`
	} `json:"tracking"`
	Cancellation *struct {
		CanceledBy string `json:"canceled_by"`
		Reason     string `json:"reason"`
	} `json:"cancellation"`
	ScheduledEvent *struct {
		URI       string    `json:"uri"`
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
	} `json:"scheduled_event"`
}

// Parse verifies the signature header against body and returns the typed event.
func (v *CalendlyVerifier) Parse(header string, body []byte) (models.WebhookEvent, error) {
	if err := v.verify(header, body); err != nil {
		return nil, err
	}

	var env calendlyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p := env.Payload
	eventRef := p.Event
	var start, end time.Time
	if p.ScheduledEvent != nil {
		if p.ScheduledEvent.URI != "" {
			eventRef = p.ScheduledEvent.URI
		}
		start, end = p.ScheduledEvent.StartTime, p.ScheduledEvent.EndTime
	}
	// An invitee URI is unique per booking attempt; created and canceled share it.
	id := p.URI + ":" + env.Event

	var ev models.WebhookEvent
	switch env.Event {
	case models.EventInviteeCreated:
		ev = models.InviteeCreated{
			ID:               id,
			OccurredAt:       env.CreatedAt,
			CorrelationToken: p.Tracking.UTMContent,
			EventRef:         eventRef,
			InviteeRef:       p.URI,
			Email:            p.Email,
			Name:             p.Name,
			Timezone:         p.Timezone,
			Start:            start,
			End:              end,
		}
	case models.EventInviteeCanceled:
		c := models.InviteeCanceled{
			ID:               id,
			OccurredAt:       env.CreatedAt,
			CorrelationToken: p.Tracking.UTMContent,
			EventRef:         eventRef,
			Rescheduled:      p.Rescheduled,
		}
		if p.Cancellation != nil {
			c.Reason = p.Cancellation.Reason
		}
		ev = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
	if p.URI == "" {
		return nil, fmt.Errorf("%w: missing invitee uri", ErrMalformedPayload)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ev, nil
}

func (v *CalendlyVerifier) verify(header string, body []byte) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, CalendlySignature(v.secret, ts, body)) {
		return ErrInvalidSignature
	}

	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrReplayed
	}
	return nil
}

// CalendlySignature is HMAC-SHA256 over "<timestamp>.<body>".
func CalendlySignature(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
