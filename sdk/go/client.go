package dealdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dealdesk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Card represents the API card model (partial).
type Card struct {
	ID         string   `json:"id"`
	PipelineID string   `json:"pipeline_id"`
	StageSlug  string   `json:"stage_slug"`
	Title      string   `json:"title"`
	OwnerID    *string  `json:"owner_id,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Version    int64    `json:"version"`
}

// Task represents a card task.
type Task struct {
	ID     string `json:"id"`
	CardID string `json:"card_id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// ChangelogEntry represents one audit row.
type ChangelogEntry struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FieldName  string `json:"field_name"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	Actor      string `json:"actor"`
	CreatedAt  string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCard creates a card in the default pipeline's initial stage.
func (c *Client) CreateCard(ctx context.Context, title string, fields map[string]any) (Card, error) {
	body := map[string]any{"title": title}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	var resp Card
	err := c.do(ctx, http.MethodPost, "v0/cards", body, &resp)
	return resp, err
}

// GetCard fetches a card by id.
func (c *Client) GetCard(ctx context.Context, id string) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodGet, "v0/cards/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// MoveCard moves a card to a stage. baseVersion must be the version the
// caller last read; a 409 means someone moved the card first.
func (c *Client) MoveCard(ctx context.Context, cardID, targetStage string, baseVersion int64) (Card, error) {
	body := map[string]any{
		"target_stage": targetStage,
		"base_version": baseVersion,
	}
	var resp Card
	endpoint := fmt.Sprintf("v0/cards/%s/move", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetField updates one card field.
func (c *Client) SetField(ctx context.Context, cardID, field, value string, baseVersion int64) (Card, error) {
	body := map[string]any{
		"field":        field,
		"value":        value,
		"base_version": baseVersion,
	}
	var resp Card
	err := c.do(ctx, http.MethodPatch, "v0/cards/"+url.PathEscape(cardID), body, &resp)
	return resp, err
}

// CreateTask adds a task to a card.
func (c *Client) CreateTask(ctx context.Context, cardID, title string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/cards/%s/tasks", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"title": title}, &resp)
	return resp, err
}

// CompleteTask marks a task done.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Changelog returns audit entries, newest first.
func (c *Client) Changelog(ctx context.Context, entityType, entityID string, limit int) ([]ChangelogEntry, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("entity_type", entityType)
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/changelog"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []ChangelogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PostLead pushes an inbound lead through the open webhook endpoint.
func (c *Client) PostLead(ctx context.Context, name, email, phone, source string) (Card, error) {
	body := map[string]any{"name": name}
	if email != "" {
		body["email"] = email
	}
	if phone != "" {
		body["phone"] = phone
	}
	if source != "" {
		body["source"] = source
	}
	var resp Card
	err := c.do(ctx, http.MethodPost, "v0/webhooks/leads", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
