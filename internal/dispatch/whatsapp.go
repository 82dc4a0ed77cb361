package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"dealdesk/internal/domain"
)

// WhatsAppDispatcher implements the send_whatsapp action against an HTTP
// gateway API.
type WhatsAppDispatcher struct {
	APIURL string
	Token  string
	Client *http.Client
}

type whatsappConfig struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (d *WhatsAppDispatcher) Type() string { return "send_whatsapp" }

func (d *WhatsAppDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	if d.APIURL == "" {
		return fmt.Errorf("send_whatsapp: gateway not configured")
	}
	var c whatsappConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("send_whatsapp config: %w", err)
	}
	to := Expand(c.To, evt)
	if to == "" {
		return fmt.Errorf("send_whatsapp: no recipient")
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, _ := json.Marshal(map[string]string{
		"to":      to,
		"message": Expand(c.Message, evt),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("whatsapp gateway returned %d", resp.StatusCode)
	}
	return nil
}
