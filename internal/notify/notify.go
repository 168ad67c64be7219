// Package notify surfaces terminal session outcomes to the operator.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
)

// summaryLimit caps the notification body; anything longer is elided.
const summaryLimit = 120

// Notifier is told when a session reaches a terminal outcome. The session
// id passes through unchanged so a consumer can route back to the session.
type Notifier interface {
	SessionCompleted(sessionID, summary string)
	SessionFailed(sessionID, reason string)
}

// Truncate shortens s to the display limit, counting runes not bytes.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit-1]) + "…"
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no webhook is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SessionCompleted(sessionID, summary string) {
	n.logger.Info("session completed",
		zap.String("session_id", sessionID),
		zap.String("summary", Truncate(summary)))
}

func (n *LogNotifier) SessionFailed(sessionID, reason string) {
	n.logger.Warn("session failed",
		zap.String("session_id", sessionID),
		zap.String("reason", Truncate(reason)))
}

// WebhookNotifier POSTs outcomes to a configured URL with retries.
// Delivery is fire-and-forget; a webhook outage never blocks dispatch.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
	logger *logging.Logger
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string, logger *logging.Logger) *WebhookNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

type webhookPayload struct {
	SessionID string `json:"sessionId"`
	Outcome   string `json:"outcome"`
	Summary   string `json:"summary"`
}

func (n *WebhookNotifier) SessionCompleted(sessionID, summary string) {
	go n.post(webhookPayload{SessionID: sessionID, Outcome: "completed", Summary: Truncate(summary)})
}

func (n *WebhookNotifier) SessionFailed(sessionID, reason string) {
	go n.post(webhookPayload{SessionID: sessionID, Outcome: "failed", Summary: Truncate(reason)})
}

func (n *WebhookNotifier) post(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("notification encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("notification request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			zap.String("session_id", payload.SessionID),
			zap.Error(err))
		return
	}
	resp.Body.Close()
}
