// Package calendar creates events through an OAuth proxy service that
// holds the user's calendar credentials. Valet never sees OAuth tokens
// for the calendar provider itself, only a bearer token for the proxy.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/okeefe/valet-agent/internal/httpkit"
)

// Event is a calendar event to create.
type Event struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
}

// CreatedEvent is the proxy's response to a successful creation.
type CreatedEvent struct {
	ID       string `json:"id"`
	HTMLLink string `json:"html_link,omitempty"`
}

// Client talks to the calendar proxy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a calendar client. Returns a usable client even
// with an empty baseURL; calls will fail with a clear error, which the
// tool layer surfaces as an unsuccessful execution.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
	}
}

// Configured reports whether a proxy endpoint is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// CreateEvent creates an event and returns the proxy's record of it.
func (c *Client) CreateEvent(ctx context.Context, ev Event) (*CreatedEvent, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("calendar proxy not configured")
	}
	if ev.Title == "" {
		return nil, fmt.Errorf("event title is required")
	}
	if !ev.End.After(ev.Start) {
		return nil, fmt.Errorf("event end %s is not after start %s", ev.End, ev.Start)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("create event: status %d: %s", resp.StatusCode, errBody)
	}

	var created CreatedEvent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create event response: %w", err)
	}

	c.logger.Info("calendar event created",
		"event_id", created.ID,
		"title", ev.Title,
		"start", ev.Start,
	)
	return &created, nil
}
