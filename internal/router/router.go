// Package router couples detected prompts to the messaging channel and
// inbound replies to the injection queue. Every decision goes through the
// store's atomic guard; the router never injects on its own authority.
package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/security"
)

const (
	defaultDeliverTimeout = 30 * time.Second
	defaultStoreTimeout   = 5 * time.Second
)

// Injection is one decided reply waiting to be written to a session's PTY.
type Injection struct {
	SessionID string
	PromptID  string
	Type      model.PromptType
	Value     string
	Source    model.ReplySource
}

// InjectSink accepts decided replies for injection. Implementations keep
// per-session FIFO order.
type InjectSink interface {
	Enqueue(inj Injection) error
}

// AutopilotGate is consulted before a prompt goes out to the channel. A true
// return means the gate took ownership and the forward path stops.
type AutopilotGate interface {
	HandlePrompt(ctx context.Context, ev model.PromptEvent) (bool, error)
}

type Config struct {
	Allowlist      []string
	DeliverTimeout time.Duration
	StoreTimeout   time.Duration
}

type Router struct {
	store  *db.Store
	ch     channel.Channel
	log    *audit.Log
	gate   AutopilotGate
	sink   InjectSink
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

func New(store *db.Store, ch channel.Channel, log *audit.Log, sink InjectSink, gate AutopilotGate, logger *zap.Logger, cfg Config) *Router {
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:  store,
		ch:     ch,
		log:    log,
		gate:   gate,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run consumes the channel's reply stream until it closes or the context is
// canceled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-r.ch.Replies():
			if !ok {
				return
			}
			if err := r.HandleReply(ctx, in); err != nil {
				r.logger.Error("reply handling failed",
					zap.String("prompt_id", in.PromptID), zap.Error(err))
			}
		}
	}
}

// HandlePrompt drives the forward path for a freshly detected prompt.
func (r *Router) HandlePrompt(ctx context.Context, ev model.PromptEvent) error {
	if r.gate != nil {
		handled, err := r.gate.HandlePrompt(ctx, ev)
		if err != nil {
			r.logger.Warn("autopilot consultation failed, delivering to channel",
				zap.String("prompt_id", ev.PromptID), zap.Error(err))
		} else if handled {
			return nil
		}
	}
	return r.Deliver(ctx, ev)
}

// Deliver routes a prompt out to the channel, bypassing the autopilot gate.
func (r *Router) Deliver(ctx context.Context, ev model.PromptEvent) error {
	now := r.now().UTC()
	if err := r.transition(ctx, ev.PromptID, model.StateCreated, model.StateRouted, now); err != nil {
		return err
	}
	r.auditEvent("prompt_routed", map[string]string{
		"prompt_id":  ev.PromptID,
		"session_id": ev.SessionID,
	})
	return r.deliverRouted(ctx, ev)
}

// deliverRouted takes a prompt already in ROUTED out to the channel.
func (r *Router) deliverRouted(ctx context.Context, ev model.PromptEvent) error {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliverTimeout)
	token, err := r.ch.Deliver(dctx, outboundDelivery(ev), r.cfg.Allowlist)
	cancel()
	now := r.now().UTC()
	if err != nil {
		r.auditEvent("delivery_failed", map[string]string{
			"prompt_id": ev.PromptID,
			"error":     err.Error(),
		})
		if terr := r.transition(ctx, ev.PromptID, model.StateRouted, model.StateFailed, now); terr != nil {
			r.logger.Error("failed to mark prompt failed",
				zap.String("prompt_id", ev.PromptID), zap.Error(terr))
		}
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.SetChannelMsg(sctx, ev.PromptID, token, now); err != nil {
		return err
	}
	if err := r.transition(ctx, ev.PromptID, model.StateRouted, model.StateAwaitingReply, now); err != nil {
		return err
	}
	r.auditEvent("prompt_delivered", map[string]string{
		"prompt_id":   ev.PromptID,
		"channel_msg": token,
	})
	return nil
}

func (r *Router) redeliver(ctx context.Context, ev model.PromptEvent) error {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliverTimeout)
	token, err := r.ch.Deliver(dctx, outboundDelivery(ev), r.cfg.Allowlist)
	cancel()
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.SetChannelMsg(sctx, ev.PromptID, token, r.now().UTC()); err != nil {
		return err
	}
	r.auditEvent("prompt_redelivered", map[string]string{
		"prompt_id":   ev.PromptID,
		"channel_msg": token,
	})
	return nil
}

// HandleReply drives the return path for one inbound channel reply.
func (r *Router) HandleReply(ctx context.Context, in channel.InboundReply) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	p, err := r.lookup(sctx, in)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			r.auditEvent("reply_unknown_prompt", map[string]string{
				"prompt_id": in.PromptID,
				"identity":  in.Identity,
			})
			return nil
		}
		return err
	}
	if p.Nonce != in.Nonce {
		r.auditEvent("reply_nonce_mismatch", map[string]string{
			"prompt_id": p.PromptID,
			"identity":  in.Identity,
		})
		return nil
	}
	if !identityAllowed(in.Identity, r.cfg.Allowlist) {
		r.auditEvent("reply_identity_denied", map[string]string{
			"prompt_id": p.PromptID,
			"identity":  in.Identity,
		})
		return nil
	}

	now := r.now().UTC()
	outcome, err := r.store.DecidePrompt(sctx, p.PromptID, p.SessionID, in.Value, model.ReplyFromHuman, now)
	if err != nil {
		return err
	}
	switch outcome {
	case model.DecisionAccepted:
		r.auditEvent("reply_accepted", map[string]string{
			"prompt_id": p.PromptID,
			"identity":  in.Identity,
			"source":    string(model.ReplyFromHuman),
		})
		return r.sink.Enqueue(Injection{
			SessionID: p.SessionID,
			PromptID:  p.PromptID,
			Type:      p.Type,
			Value:     in.Value,
			Source:    model.ReplyFromHuman,
		})
	case model.DecisionAlreadyDecided:
		r.logger.Debug("duplicate reply discarded", zap.String("prompt_id", p.PromptID))
		return nil
	case model.DecisionExpired:
		r.auditEvent("reply_for_expired_prompt", map[string]string{
			"prompt_id": p.PromptID,
		})
		return r.ch.Notify(ctx, p.SessionID, expiredNotice(p.PromptID))
	case model.DecisionWrongSession:
		r.auditEvent("reply_wrong_session", map[string]string{
			"prompt_id": p.PromptID,
			"identity":  in.Identity,
		})
		return nil
	default:
		r.logger.Warn("reply lost to unknown outcome", zap.String("prompt_id", p.PromptID))
		return nil
	}
}

func (r *Router) lookup(ctx context.Context, in channel.InboundReply) (model.PromptEvent, error) {
	if in.PromptID != "" {
		return r.store.GetPrompt(ctx, in.PromptID)
	}
	return r.store.GetPromptByNonce(ctx, in.Nonce)
}

// Recover re-attaches in-flight prompts after a daemon restart. Duplicate
// deliveries are tolerated because the first reply still arbitrates through
// the store's guard.
func (r *Router) Recover(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	pending, err := r.store.LoadPending(sctx)
	cancel()
	if err != nil {
		return err
	}
	for _, p := range pending {
		switch p.State {
		case model.StateCreated:
			if err := r.HandlePrompt(ctx, p); err != nil {
				r.logger.Warn("recovery delivery failed",
					zap.String("prompt_id", p.PromptID), zap.Error(err))
			}
		case model.StateRouted:
			if err := r.deliverRouted(ctx, p); err != nil {
				r.logger.Warn("recovery delivery failed",
					zap.String("prompt_id", p.PromptID), zap.Error(err))
			}
		case model.StateAwaitingReply:
			// Already delivered once; re-deliver so the channel can rebuild
			// its callback state. The state row stays as it is.
			if err := r.redeliver(ctx, p); err != nil {
				r.logger.Warn("recovery re-delivery failed",
					zap.String("prompt_id", p.PromptID), zap.Error(err))
			}
		case model.StateReplyReceived:
			value := ""
			if p.ReplyText != nil {
				value = *p.ReplyText
			}
			if err := r.sink.Enqueue(Injection{
				SessionID: p.SessionID,
				PromptID:  p.PromptID,
				Type:      p.Type,
				Value:     value,
				Source:    p.ReplyFrom,
			}); err != nil {
				r.logger.Warn("recovery injection enqueue failed",
					zap.String("prompt_id", p.PromptID), zap.Error(err))
			}
		}
	}
	r.auditEvent("recovery_complete", map[string]int{"pending": len(pending)})
	return nil
}

// HandleExpired notifies the channel about prompts the sweeper just expired.
func (r *Router) HandleExpired(ctx context.Context, prompts []model.PromptEvent) {
	for _, p := range prompts {
		r.auditEvent("prompt_expired", map[string]string{
			"prompt_id": p.PromptID,
		})
		if err := r.ch.Notify(ctx, p.SessionID, expiredNotice(p.PromptID)); err != nil {
			r.logger.Warn("expiry notice failed",
				zap.String("prompt_id", p.PromptID), zap.Error(err))
		}
	}
}

func (r *Router) transition(ctx context.Context, promptID string, from, to model.PromptState, now time.Time) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.Transition(sctx, promptID, from, to, now)
}

func (r *Router) auditEvent(kind string, data any) {
	if r.log == nil {
		return
	}
	if err := r.log.Append(kind, data); err != nil {
		r.logger.Error("audit append failed", zap.String("kind", kind), zap.Error(err))
	}
}

// outboundDelivery builds the channel payload for a prompt. Question and
// excerpt text crossed a PTY that may have echoed secrets; both are
// scrubbed before they leave the process.
func outboundDelivery(ev model.PromptEvent) channel.Delivery {
	return channel.Delivery{
		PromptID:  ev.PromptID,
		SessionID: ev.SessionID,
		Nonce:     ev.Nonce,
		Type:      ev.Type,
		Question:  security.Redact(ev.Question),
		Options:   ev.Options,
		Excerpt:   security.RedactExcerpt(ev.Excerpt),
	}
}

func expiredNotice(promptID string) string {
	id := promptID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Prompt " + id + " expired before a reply arrived."
}

func identityAllowed(identity string, allowlist []string) bool {
	for _, id := range allowlist {
		if id == identity {
			return true
		}
	}
	return false
}
