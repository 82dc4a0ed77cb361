package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"

	"dealdesk/internal/domain"
)

// EmailDispatcher implements the send_email action over SMTP.
type EmailDispatcher struct {
	Host     string
	Port     int
	From     string
	Password string

	// Send overrides smtp.SendMail in tests.
	Send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (d *EmailDispatcher) Type() string { return "send_email" }

func (d *EmailDispatcher) Execute(ctx context.Context, cfg json.RawMessage, evt domain.Event, automationID string) error {
	var c emailConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return fmt.Errorf("send_email config: %w", err)
	}
	to := Expand(c.To, evt)
	if to == "" {
		return fmt.Errorf("send_email: no recipient")
	}
	subject := Expand(c.Subject, evt)
	if subject == "" {
		subject = evt.Card.Title
	}
	body := Expand(c.Body, evt)

	port := d.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", d.Host, port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		d.From, to, subject, body)

	var auth smtp.Auth
	if d.Password != "" {
		auth = smtp.PlainAuth("", d.From, d.Password, d.Host)
	}
	send := d.Send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, d.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
