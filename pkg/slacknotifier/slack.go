// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier sends operator alerts to Slack via Incoming Webhooks.
//
// An empty webhook URL disables the notifier; every send is then a no-op, so
// callers never need to special-case an unconfigured webhook. The URL can be
// swapped at runtime when the configuration is reloaded.
//
// # Usage
//
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := notifier.SendAlert(ctx, "warning", "Device Excluded", "1000abcdef has no key"); err != nil {
//	    logger.Error().Err(err).Msg("Failed to send alert")
//	}
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	defaultFooter  = "eWeLink Bridge"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	client *http.Client
	footer string
	now    func() time.Time

	mu         sync.RWMutex
	webhookURL string
}

// Message represents a Slack webhook message payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithFooter sets the footer shown under each alert.
func WithFooter(footer string) Option {
	return func(n *Notifier) { n.footer = footer }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a new Slack notifier
func New(webhookURL string, opts ...Option) *Notifier {
	n := &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultTimeout},
		footer:     defaultFooter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL replaces the webhook URL. An empty URL disables sending.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.mu.Unlock()
}

// SendMessage sends a simple text message to Slack
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	return s.send(ctx, Message{Text: message})
}

// SendAlert sends a colour-coded alert to Slack
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	return s.send(ctx, Message{
		Attachments: []Attachment{{
			Color:  severityToColor(severity),
			Title:  title,
			Text:   message,
			Footer: s.footer,
			Ts:     s.now().Unix(),
		}},
	})
}

func (s *Notifier) send(ctx context.Context, payload Message) error {
	s.mu.RLock()
	url := s.webhookURL
	s.mu.RUnlock()
	if url == "" {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
