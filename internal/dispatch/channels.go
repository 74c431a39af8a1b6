package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"opsrelay/internal/rules"
)

const idempotencyHeader = "X-Idempotency-Key"

// httpPost sends a JSON payload and treats any non-2xx as an error so the
// dispatcher's retry loop handles transient upstream failures.
func httpPost(ctx context.Context, client *http.Client, url, key string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, key)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// notificationPayload is the body sent to the messaging and SMS collaborators.
type notificationPayload struct {
	CaseID      string         `json:"case_id"`
	RuleID      string         `json:"rule_id"`
	Level       int            `json:"level"`
	Kind        string         `json:"kind"`
	Target      string         `json:"target"`
	Message     string         `json:"message,omitempty"`
	AlertTitle  string         `json:"alert_title"`
	AlertText   string         `json:"alert_text,omitempty"`
	Category    string         `json:"category"`
	Severity    string         `json:"severity"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

func buildPayload(req Request) notificationPayload {
	p := notificationPayload{
		CaseID:  req.CaseID.String(),
		RuleID:  req.RuleID,
		Level:   req.Level,
		Kind:    string(req.Action.Type),
		Target:  req.Action.Target,
		Message: req.Action.Message,
		Config:  req.Action.Config,
	}
	if req.Alert != nil {
		p.AlertTitle = req.Alert.Title
		p.AlertText = req.Alert.Description
		p.Category = req.Alert.Category
		p.Severity = req.Alert.Severity
		p.Fingerprint = req.Alert.Fingerprint
	}
	return p
}

// MessagingChannel delivers notify_user/notify_team/notify_manager actions
// to the messaging collaborator.
type MessagingChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewMessagingChannel creates a messaging channel posting to url.
func NewMessagingChannel(name, url string, headers map[string]string) *MessagingChannel {
	return &MessagingChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *MessagingChannel) Name() string { return c.name }

func (c *MessagingChannel) Send(ctx context.Context, key string, req Request) error {
	return httpPost(ctx, c.client, c.url, key, c.headers, buildPayload(req))
}

// TicketChannel delivers create_ticket actions to the ticketing collaborator.
type TicketChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewTicketChannel creates a ticketing channel posting to url.
func NewTicketChannel(url string, headers map[string]string) *TicketChannel {
	return &TicketChannel{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *TicketChannel) Name() string { return "ticketing" }

func (c *TicketChannel) Send(ctx context.Context, key string, req Request) error {
	payload := buildPayload(req)
	payload.Kind = "ticket"
	return httpPost(ctx, c.client, c.url, key, c.headers, payload)
}

// SMSChannel delivers send_sms actions to the SMS gateway.
type SMSChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewSMSChannel creates an SMS channel posting to the gateway url.
func NewSMSChannel(url string, headers map[string]string) *SMSChannel {
	return &SMSChannel{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, key string, req Request) error {
	return httpPost(ctx, c.client, c.url, key, c.headers, buildPayload(req))
}

// WebhookChannel delivers call_webhook actions. Unlike the other channels
// the destination comes from the action's target, not the channel config.
type WebhookChannel struct {
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, key string, req Request) error {
	if req.Action.Target == "" {
		return fmt.Errorf("webhook action has no target url")
	}
	return httpPost(ctx, c.client, req.Action.Target, key, c.headers, buildPayload(req))
}

// RegisterDefaults wires the standard channel routing: messaging for the
// three notify types, ticketing, SMS and webhook.
func RegisterDefaults(d *Dispatcher, messaging *MessagingChannel, ticketing *TicketChannel, sms *SMSChannel, webhook *WebhookChannel) {
	if messaging != nil {
		d.Register(rules.ActionNotifyUser, messaging)
		d.Register(rules.ActionNotifyTeam, messaging)
		d.Register(rules.ActionNotifyManager, messaging)
	}
	if ticketing != nil {
		d.Register(rules.ActionCreateTicket, ticketing)
	}
	if sms != nil {
		d.Register(rules.ActionSendSMS, sms)
	}
	if webhook != nil {
		d.Register(rules.ActionCallWebhook, webhook)
	}
}
