package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/signalbus/internal/archive"
	"github.com/nugget/signalbus/internal/httpkit"
	"github.com/nugget/signalbus/internal/metrics"
)

// Archiver accepts outbound message records for durable archival. The
// production implementation is the archive writer; failures are logged
// and swallowed so archival faults never block the send path.
type Archiver interface {
	Enqueue(rec archive.Record) error
}

// sendRequest is the gateway's /v2/send body.
type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// sendResponse carries the gateway-assigned timestamp of a successful
// send. Some gateway versions emit it as a JSON string.
type sendResponse struct {
	Timestamp flexInt64 `json:"timestamp"`
}

// typingRequest is the body for both typing-indicator operations.
type typingRequest struct {
	Recipient string `json:"recipient"`
}

// flexInt64 unmarshals from either a JSON number or a numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %q is not numeric: %w", s, err)
		}
		*f = flexInt64(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

// Client performs the outbound REST calls against the Signal gateway:
// sending messages and raising/clearing the typing indicator for the
// registered account.
type Client struct {
	endpoint string // host:port, no scheme
	account  string
	httpc    *http.Client
	archiver Archiver
	logger   *slog.Logger
}

// NewClient creates a gateway REST client. archiver may be nil in
// contexts that do not archive (tests, tooling).
func NewClient(endpoint, account string, archiver Archiver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		account:  account,
		httpc:    httpkit.NewClient(),
		archiver: archiver,
		logger:   logger,
	}
}

// SendMessage delivers the reply through the gateway and archives one
// outbound record per intended end recipient.
//
// The recipients array carries one element: the resolved public group
// id for group conversations, the correspondent's identifier otherwise.
// Archived outbound rows always carry target = recipient (the human
// correspondent), with the group id in the group_chat column; this
// keeps inbound and outbound rows of one conversation joinable on the
// same pair of identifiers.
func (c *Client) SendMessage(ctx context.Context, message, recipient, groupID string) error {
	sendTo := recipient
	if groupID != "" {
		sendTo = groupID
	}

	body := sendRequest{
		Message:    message,
		Number:     c.account,
		Recipients: []string{sendTo},
	}

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, c.url("/v2/send"), body, &resp); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	metrics.RepliesSent.Inc()

	c.archiveOutbound(message, recipient, groupID, int64(resp.Timestamp))
	return nil
}

// IndicateTyping raises the typing indicator for the conversation.
func (c *Client) IndicateTyping(ctx context.Context, recipient string) error {
	err := c.do(ctx, http.MethodPut, c.url("/v1/typing-indicator/"+c.account), typingRequest{Recipient: recipient}, nil)
	if err != nil {
		return fmt.Errorf("indicate typing: %w", err)
	}
	return nil
}

// HideTyping clears the typing indicator for the conversation.
func (c *Client) HideTyping(ctx context.Context, recipient string) error {
	err := c.do(ctx, http.MethodDelete, c.url("/v1/typing-indicator/"+c.account), typingRequest{Recipient: recipient}, nil)
	if err != nil {
		return fmt.Errorf("hide typing: %w", err)
	}
	return nil
}

// archiveOutbound enqueues one record per end recipient of a completed
// send. sentTimestamp is the gateway's epoch-ms send timestamp.
func (c *Client) archiveOutbound(message, recipient, groupID string, sentTimestamp int64) {
	if c.archiver == nil {
		return
	}

	for _, target := range []string{recipient} {
		rec := archive.NewRecord(time.Now(), time.UnixMilli(sentTimestamp))
		rec.Target = target
		rec.Source = c.account
		rec.GroupChat = archive.StringPtr(groupID)
		rec.Content = archive.StringPtr(message)

		if err := c.archiver.Enqueue(rec); err != nil {
			c.logger.Error("outbound archive enqueue failed",
				"target", target,
				"error", err,
			)
		}
	}
}

// url builds a gateway URL for the given path.
func (c *Client) url(path string) string {
	return "http://" + c.endpoint + path
}

// do executes one JSON request against the gateway. Non-2xx responses
// fail with the status and body attached. out, when non-nil, receives
// the decoded response body.
func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, detail)
	}

	if out == nil {
		httpkit.DrainAndClose(resp.Body, 1024)
		return nil
	}

	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
