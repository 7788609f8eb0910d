package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/signalbus/internal/metrics"
)

// reconnectDelay is the fixed pause before re-dialing the gateway after
// a dropped or failed connection. A variable so tests can shrink it.
var reconnectDelay = 5 * time.Second

// maxMessageSize caps a single gateway message. The gateway emits small
// frames in practice; the limit only guards against a misbehaving peer.
const maxMessageSize = 1 << 20 // 1 MiB

// closeReason is sent with the normal-closure frame on shutdown.
const closeReason = "Host shutting down"

// Handler processes one complete gateway payload. The receive loop
// invokes it synchronously, so a slow handler naturally throttles
// intake.
type Handler func(ctx context.Context, payload []byte)

// Receiver owns the long-lived WebSocket receive stream for the
// registered account. It is the only component that opens or touches
// the connection. On any connect or read failure it logs, waits the
// fixed reconnect delay, and dials again until the context is
// cancelled.
type Receiver struct {
	endpoint string
	account  string
	handler  Handler
	logger   *slog.Logger
	dialer   *websocket.Dialer
}

// NewReceiver creates a receive loop that hands every payload to
// handler.
func NewReceiver(endpoint, account string, handler Handler, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		endpoint: endpoint,
		account:  account,
		handler:  handler,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Run drives the connect/receive/reconnect cycle until ctx is
// cancelled. It always returns nil after a cancellation-triggered
// shutdown; connection errors are absorbed by the reconnect policy.
func (r *Receiver) Run(ctx context.Context) error {
	url := "ws://" + r.endpoint + "/v1/receive/" + r.account

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := r.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("gateway connect failed",
				"url", url,
				"retry_in", reconnectDelay,
				"error", err,
			)
			metrics.Reconnects.Inc()
			if !sleepCtx(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		r.logger.Info("receive stream connected", "url", url)
		clean := r.receive(ctx, conn)

		if ctx.Err() != nil {
			return nil
		}
		if !clean {
			metrics.Reconnects.Inc()
			if !sleepCtx(ctx, reconnectDelay) {
				return nil
			}
			continue
		}
		// Server-initiated close: reconnect after the same fixed delay
		// so a gateway restart doesn't turn into a dial loop.
		if !sleepCtx(ctx, reconnectDelay) {
			return nil
		}
	}
}

// receive reads messages until the connection dies, the server closes,
// or ctx is cancelled. Returns true when the stream ended with a
// server-initiated close frame, false on error.
func (r *Receiver) receive(ctx context.Context, conn *websocket.Conn) bool {
	conn.SetReadLimit(maxMessageSize)

	// Unblock the blocking ReadMessage on cancellation by sending a
	// normal closure and tearing the connection down.
	watchdone := make(chan struct{})
	defer close(watchdone)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
			deadline := time.Now().Add(2 * time.Second)
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				r.logger.Debug("shutdown close frame failed", "error", err)
			}
			conn.Close()
		case <-watchdone:
			conn.Close()
		}
	}()

	for {
		// ReadMessage reassembles fragmented frames into one complete
		// payload, so oversized gateway messages are accumulated rather
		// than truncated.
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("receive stream closed for shutdown")
				return true
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// Gorilla's default close handler has already echoed a
				// normal closure back to the gateway.
				r.logger.Info("gateway closed the receive stream")
				return true
			}
			r.logger.Error("receive stream error", "error", err)
			return false
		}

		metrics.EnvelopesReceived.Inc()
		r.handler(ctx, payload)
	}
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
