package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"buildappswith/models"
	"buildappswith/utils"

	"go.uber.org/zap"
)

const providerName = "calendly"

// maxWindow is the widest range the availability endpoint accepts per request.
const maxWindow = 7 * 24 * time.Hour

// Config configures the Calendly client.
type Config struct {
	BaseURL string
	Token   string
	Retry   utils.RetryPolicy
}

// Client talks to the Calendly v2 REST API. It is stateless apart from a
// cache of event type durations.
type Client struct {
	baseURL string
	token   string
	retry   utils.RetryPolicy
	http    *http.Client
	logger  *zap.Logger
	metrics *utils.Metrics
	now     func() time.Time

	durations sync.Map // event type URI -> time.Duration
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger, metrics *utils.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		retry:   cfg.Retry,
		http:    httpClient,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// EventType is the subset of a Calendly event type the booking flow needs.
type EventType struct {
	URI           string        `json:"uri"`
	Name          string        `json:"name"`
	Active        bool          `json:"active"`
	Duration      time.Duration `json:"-"`
	SchedulingURL string        `json:"scheduling_url"`
}

type eventTypeResponse struct {
	Resource struct {
		URI           string `json:"uri"`
		Name          string `json:"name"`
		Active        bool   `json:"active"`
		Duration      int    `json:"duration"` // minutes
		SchedulingURL string `json:"scheduling_url"`
	} `json:"resource"`
}

type availableTimesResponse struct {
	Collection []struct {
		Status            string    `json:"status"`
		InviteesRemaining int       `json:"invitees_remaining"`
		StartTime         time.Time `json:"start_time"`
		SchedulingURL     string    `json:"scheduling_url"`
	} `json:"collection"`
}

// resolve turns a bare event type id into its API URI.
func (c *Client) resolve(eventTypeRef string) string {
	if strings.HasPrefix(eventTypeRef, "http://") || strings.HasPrefix(eventTypeRef, "https://") {
		return eventTypeRef
	}
	return c.baseURL + "/event_types/" + eventTypeRef
}

// GetEventType fetches an event type.
func (c *Client) GetEventType(ctx context.Context, eventTypeRef string) (*EventType, error) {
	var resp eventTypeResponse
	if err := c.get(ctx, "get_event_type", c.resolve(eventTypeRef), &resp); err != nil {
		return nil, err
	}
	et := &EventType{
		URI:           resp.Resource.URI,
		Name:          resp.Resource.Name,
		Active:        resp.Resource.Active,
		Duration:      time.Duration(resp.Resource.Duration) * time.Minute,
		SchedulingURL: resp.Resource.SchedulingURL,
	}
	if et.URI == "" {
		et.URI = c.resolve(eventTypeRef)
	}
	c.durations.Store(c.resolve(eventTypeRef), et.Duration)
	return et, nil
}

func (c *Client) duration(ctx context.Context, eventTypeRef string) (time.Duration, error) {
	if d, ok := c.durations.Load(c.resolve(eventTypeRef)); ok {
		return d.(time.Duration), nil
	}
	et, err := c.GetEventType(ctx, eventTypeRef)
	if err != nil {
		return 0, err
	}
	return et.Duration, nil
}

// ListAvailableSlots returns the open slots of an event type inside rng.
// Ranges wider than a week are split into consecutive requests.
func (c *Client) ListAvailableSlots(ctx context.Context, eventTypeRef string, rng models.DateRange) ([]models.TimeSlot, error) {
	from := rng.From
	if now := c.now(); from.Before(now) {
		from = now
	}
	if !rng.To.After(from) {
		return nil, nil
	}
	length, err := c.duration(ctx, eventTypeRef)
	if err != nil {
		return nil, err
	}

	uri := c.resolve(eventTypeRef)
	var slots []models.TimeSlot
	for start := from; start.Before(rng.To); start = start.Add(maxWindow) {
		end := start.Add(maxWindow)
		if end.After(rng.To) {
			end = rng.To
		}
		q := url.Values{}
		q.Set("event_type", uri)
		q.Set("start_time", start.UTC().Format(time.RFC3339))
		q.Set("end_time", end.UTC().Format(time.RFC3339))

		var resp availableTimesResponse
		if err := c.get(ctx, "list_available_times", c.baseURL+"/event_type_available_times?"+q.Encode(), &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Collection {
			if item.Status != "available" || item.InviteesRemaining < 1 {
				continue
			}
			slots = append(slots, models.TimeSlot{
				Start:         item.StartTime,
				End:           item.StartTime.Add(length),
				SchedulingURL: item.SchedulingURL,
			})
		}
	}
	return slots, nil
}

// VerifySlotStillAvailable asks the provider again whether slot is open. A
// slot in the past is never available.
func (c *Client) VerifySlotStillAvailable(ctx context.Context, eventTypeRef string, slot models.TimeSlot) (bool, error) {
	if !slot.Start.After(c.now()) {
		return false, nil
	}
	slots, err := c.ListAvailableSlots(ctx, eventTypeRef, models.DateRange{
		From: slot.Start.Add(-time.Minute),
		To:   slot.Start.Add(time.Minute),
	})
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.Start.Equal(slot.Start) && (slot.End.IsZero() || !s.End.Before(slot.End)) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) get(ctx context.Context, op, target string, out interface{}) error {
	started := time.Now()
	err := utils.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, op, target, out)
	})
	c.metrics.ObserveProviderCall(providerName, op, started, err)
	if err != nil {
		c.logger.Warn("Calendly call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (c *Client) do(ctx context.Context, op, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &models.ProviderError{Provider: providerName, Op: op, Kind: models.ProviderPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.ProviderError{Provider: providerName, Op: op, Kind: models.KindForError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &models.ProviderError{Provider: providerName, Op: op, Kind: models.KindForError(err), Err: err}
	}
	if resp.StatusCode >= 300 {
		return &models.ProviderError{
			Provider: providerName,
			Op:       op,
			Kind:     models.KindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &models.ProviderError{Provider: providerName, Op: op, Kind: models.ProviderPermanent, Err: fmt.Errorf("decoding response failed: %w", err)}
	}
	return nil
}
