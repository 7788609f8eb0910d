// Package bridge routes inbound Signal envelopes through authorization,
// group resolution, archival, and the assistant, and sends replies back
// through the gateway. One Router instance is driven synchronously by
// the receive loop, so envelopes are processed serially in
// gateway-delivered order.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nugget/signalbus/internal/archive"
	"github.com/nugget/signalbus/internal/metrics"
	"github.com/nugget/signalbus/internal/signal"
)

// Synthesized message bodies for media-only data messages.
const (
	stickerText    = "STICKER"
	attachmentText = "ATTACHMENT"
)

// hideTypingTimeout bounds the best-effort typing cleanup after an
// assistant failure, on a fresh context so it runs even when the
// envelope context is already dead.
const hideTypingTimeout = 2 * time.Second

// Gateway is the outbound surface of the Signal client the router
// needs.
type Gateway interface {
	SendMessage(ctx context.Context, message, recipient, groupID string) error
	IndicateTyping(ctx context.Context, recipient string) error
	HideTyping(ctx context.Context, recipient string) error
}

// Assistant produces a reply for a user message within a conversation
// session.
type Assistant interface {
	Ask(ctx context.Context, message, userID string) (string, error)
}

// Resolver translates internal group ids to public ones.
type Resolver interface {
	Resolve(ctx context.Context, internalID string) (string, error)
}

// Authorizer decides whether a sender may use the bridge.
type Authorizer interface {
	Allowed(id string) bool
}

// Archiver accepts message records for durable archival.
type Archiver interface {
	Enqueue(rec archive.Record) error
}

// RouterConfig holds the dependencies for a Router.
type RouterConfig struct {
	Account   string
	Gateway   Gateway
	Assistant Assistant
	Resolver  Resolver
	Authz     Authorizer
	Archiver  Archiver
	Logger    *slog.Logger

	// RateLimit is the per-sender messages-per-minute cap applied after
	// authorization. Zero disables rate limiting.
	RateLimit int
}

// Router implements the per-envelope decision procedure.
type Router struct {
	account   string
	gateway   Gateway
	assistant Assistant
	resolver  Resolver
	authz     Authorizer
	archiver  Archiver
	logger    *slog.Logger

	rateLimit int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewRouter creates a message router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		account:   cfg.Account,
		gateway:   cfg.Gateway,
		assistant: cfg.Assistant,
		resolver:  cfg.Resolver,
		authz:     cfg.Authz,
		archiver:  cfg.Archiver,
		logger:    logger,
		rateLimit: cfg.RateLimit,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// HandleMessage processes one raw gateway payload end to end. It never
// returns an error: every fault is either logged-and-dropped or
// logged-and-continued per the pipeline's error policy, and the receive
// stream must keep flowing regardless.
func (r *Router) HandleMessage(ctx context.Context, payload []byte) {
	logger := r.logger
	if id, err := uuid.NewV7(); err == nil {
		logger = logger.With("envelope_id", id.String())
	}

	env, err := signal.DecodeEnvelope(payload)
	if err != nil {
		metrics.EnvelopesDropped.WithLabelValues("parse_error").Inc()
		logger.Error("undecodable gateway payload",
			"error", err,
			"payload", string(payload),
		)
		return
	}

	dm := env.DataMessage
	if dm == nil {
		logger.Debug("envelope without data message ignored", "source", env.Source)
		metrics.EnvelopesDropped.WithLabelValues("no_data_message").Inc()
		return
	}

	// Media-only messages get a synthesized body so the archive and the
	// assistant see something meaningful.
	text := dm.Message
	if text == "" {
		switch {
		case dm.Sticker != nil:
			text = stickerText
		case len(dm.Attachments) > 0:
			text = attachmentText
		}
	}

	if !r.authz.Allowed(env.Source) {
		logger.Warn("unauthorized sender dropped", "source", env.Source)
		metrics.EnvelopesDropped.WithLabelValues("unauthorized").Inc()
		return
	}

	if !r.allowSender(env.Source) {
		logger.Warn("sender rate-limited", "source", env.Source)
		metrics.EnvelopesDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	// Group messages address replies to the public group id; resolver
	// failures degrade to an unresolved (null) group, never to a drop.
	groupID := ""
	if env.IsGroup() {
		groupID, err = r.resolver.Resolve(ctx, dm.GroupInfo.GroupID)
		if err != nil {
			logger.Warn("group resolution failed, archiving without group id",
				"internal_group_id", dm.GroupInfo.GroupID,
				"error", err,
			)
			groupID = ""
		}
	}

	r.archiveInbound(env, text, groupID, logger)

	if env.IsGroup() && !dm.MentionsAccount(r.account) {
		logger.Debug("group message without mention archived only",
			"source", env.Source,
			"group", groupID,
		)
		metrics.EnvelopesDropped.WithLabelValues("no_mention").Inc()
		return
	}

	if text == "" {
		logger.Debug("empty message archived only", "source", env.Source)
		metrics.EnvelopesDropped.WithLabelValues("empty_text").Inc()
		return
	}

	// The conversation identity is the group when there is one, the
	// sender otherwise. It addresses typing indicators and scopes the
	// assistant session.
	conversation := groupID
	if conversation == "" {
		conversation = env.Source
	}

	if err := r.gateway.IndicateTyping(ctx, conversation); err != nil {
		logger.Warn("typing indicator failed", "recipient", conversation, "error", err)
	}

	reply, err := r.assistant.Ask(ctx, text, conversation)
	if err != nil {
		metrics.AssistantCalls.WithLabelValues("error").Inc()
		logger.Error("assistant call failed",
			"conversation", conversation,
			"error", err,
		)
		hideCtx, cancel := context.WithTimeout(context.Background(), hideTypingTimeout)
		defer cancel()
		if err := r.gateway.HideTyping(hideCtx, conversation); err != nil {
			logger.Warn("typing cleanup failed", "recipient", conversation, "error", err)
		}
		return
	}
	metrics.AssistantCalls.WithLabelValues("ok").Inc()

	if reply == "" {
		logger.Info("assistant returned empty reply, nothing sent", "conversation", conversation)
		return
	}

	// SendMessage archives the outbound record itself.
	if err := r.gateway.SendMessage(ctx, reply, env.Source, groupID); err != nil {
		logger.Error("reply send failed",
			"recipient", env.Source,
			"group", groupID,
			"error", err,
		)
		return
	}

	logger.Info("reply sent",
		"source", env.Source,
		"conversation", conversation,
		"reply_len", len(reply),
	)
}

// archiveInbound constructs and enqueues the inbound record. Enqueue
// failures are logged and swallowed: archival faults must not stall the
// pipeline.
func (r *Router) archiveInbound(env *signal.Envelope, text, groupID string, logger *slog.Logger) {
	dm := env.DataMessage

	rec := archive.NewRecord(
		time.UnixMilli(dm.Timestamp),
		time.UnixMilli(env.ServerReceivedTimestamp),
	)
	rec.Target = r.account
	rec.Source = env.Source
	rec.GroupChat = archive.StringPtr(groupID)
	rec.Content = archive.StringPtr(text)

	if env.ServerDeliveredTimestamp != 0 {
		delivered := time.UnixMilli(env.ServerDeliveredTimestamp).UTC()
		rec.SignalDelivered = &delivered
	}

	if len(dm.Mentions) > 0 {
		if blob, err := json.Marshal(dm.Mentions); err == nil {
			rec.Mentions = archive.StringPtr(string(blob))
		}
	}

	if err := r.archiver.Enqueue(rec); err != nil {
		logger.Error("inbound archive enqueue failed",
			"source", env.Source,
			"error", err,
		)
	}
}

// allowSender enforces the per-sender rate limit. Always true when
// rate limiting is disabled.
func (r *Router) allowSender(sender string) bool {
	if r.rateLimit <= 0 {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rateLimit)), r.rateLimit)
		r.limiters[sender] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}
