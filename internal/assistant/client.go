// Package assistant calls the conversational assistant webhook that
// produces replies for inbound Signal messages.
package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/signalbus/internal/httpkit"
)

// sessionPrefix namespaces webhook sessions so the assistant keeps
// separate state per Signal conversation.
const sessionPrefix = "intelligence-"

// askTimeout bounds a single webhook round trip. Assistant runs can be
// slow; the receive loop is serialized behind this call, so the bound
// keeps a wedged webhook from stalling the stream forever.
const askTimeout = 2 * time.Minute

// request is the webhook's expected JSON body.
type request struct {
	ChatInput string `json:"chatInput"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// Client calls the assistant webhook with basic-auth credentials.
type Client struct {
	webhookURL string
	authHeader string
	httpc      *http.Client
	logger     *slog.Logger
}

// New creates an assistant webhook client. The token is transmitted as
// "Authorization: Basic base64(token)" on every request.
func New(webhookURL, authToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		webhookURL: webhookURL,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(authToken)),
		httpc:      httpkit.NewClient(httpkit.WithTimeout(askTimeout)),
		logger:     logger,
	}
}

// Ask submits a user message and returns the assistant's reply text.
// userID identifies the conversation (resolved public group id for
// group chats, sender id otherwise) and scopes the assistant's session
// state. The webhook's response body is the reply, verbatim.
func (c *Client) Ask(ctx context.Context, message, userID string) (string, error) {
	body, err := json.Marshal(request{
		ChatInput: message,
		Action:    "sendMessage",
		SessionID: sessionPrefix + userID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal assistant request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build assistant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant webhook: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", fmt.Errorf("assistant webhook returned %d: %s", resp.StatusCode, detail)
	}

	reply, err := io.ReadAll(resp.Body)
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return "", fmt.Errorf("read assistant reply: %w", err)
	}

	c.logger.Debug("assistant replied",
		"session", sessionPrefix+userID,
		"reply_len", len(reply),
	)
	return string(reply), nil
}
