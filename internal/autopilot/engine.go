// Package autopilot evaluates the user policy against detected prompts and,
// depending on mode, answers them without waiting for a human. Every
// decision lands in a hash-chained trace file that is independent of the
// audit log.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

const (
	defaultOverrideWindow = 10 * time.Second
	defaultStoreTimeout   = 5 * time.Second

	// Settings keys. Mode and pause survive daemon restarts.
	SettingMode   = "autopilot_mode"
	SettingPaused = "autopilot_paused"

	maxTraceExcerpt = 400
)

// PolicyProvider hands out the currently active policy. *policy.Watcher
// satisfies it; tests use a static provider.
type PolicyProvider interface {
	Current() *policy.Policy
}

// StaticPolicy wraps a fixed policy as a PolicyProvider.
type StaticPolicy struct{ P *policy.Policy }

func (s StaticPolicy) Current() *policy.Policy { return s.P }

type Config struct {
	OverrideWindow time.Duration
	StoreTimeout   time.Duration
	Allowlist      []string
}

// Engine implements the router's autopilot gate.
type Engine struct {
	store    *db.Store
	ch       channel.Channel
	sink     router.InjectSink
	policies PolicyProvider
	trace    *Trace
	log      *audit.Log
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	mode   model.AutopilotMode
	paused bool
	timers map[string]*time.Timer
	closed bool
}

// New builds an engine and restores mode and pause state from settings.
func New(ctx context.Context, store *db.Store, ch channel.Channel, sink router.InjectSink, policies PolicyProvider, trace *Trace, log *audit.Log, logger *zap.Logger, cfg Config) (*Engine, error) {
	if cfg.OverrideWindow <= 0 {
		cfg.OverrideWindow = defaultOverrideWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		ch:       ch,
		sink:     sink,
		policies: policies,
		trace:    trace,
		log:      log,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		mode:     model.AutopilotOff,
		timers:   map[string]*time.Timer{},
	}

	if v, err := store.GetSetting(ctx, SettingMode); err == nil {
		switch model.AutopilotMode(v) {
		case model.AutopilotOff, model.AutopilotAssist, model.AutopilotFull:
			e.mode = model.AutopilotMode(v)
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if v, err := store.GetSetting(ctx, SettingPaused); err == nil {
		e.paused = v == "true"
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return e, nil
}

// Mode returns the current mode.
func (e *Engine) Mode() model.AutopilotMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Paused reports whether the kill switch is engaged.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetMode changes and persists the mode.
func (e *Engine) SetMode(ctx context.Context, mode model.AutopilotMode) error {
	switch mode {
	case model.AutopilotOff, model.AutopilotAssist, model.AutopilotFull:
	default:
		return fmt.Errorf("autopilot: unknown mode %q", mode)
	}
	if err := e.store.SetSetting(ctx, SettingMode, string(mode), e.now().UTC()); err != nil {
		return err
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	e.auditEvent("autopilot_mode_changed", map[string]string{"mode": string(mode)})
	return nil
}

// Pause engages the persistent kill switch. While paused every prompt
// goes to the human regardless of rule matches.
func (e *Engine) Pause(ctx context.Context) error {
	if err := e.store.SetSetting(ctx, SettingPaused, "true", e.now().UTC()); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.auditEvent("autopilot_paused", nil)
	return nil
}

// Resume lifts the kill switch.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.store.SetSetting(ctx, SettingPaused, "false", e.now().UTC()); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.auditEvent("autopilot_resumed", nil)
	return nil
}

// Close stops any pending override timers.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	return nil
}

// HandlePrompt consults the policy for one freshly detected prompt. A true
// return means the engine took ownership and the router must not deliver.
func (e *Engine) HandlePrompt(ctx context.Context, ev model.PromptEvent) (bool, error) {
	e.mu.Lock()
	mode := e.mode
	paused := e.paused
	e.mu.Unlock()
	if mode == model.AutopilotOff || paused {
		return false, nil
	}

	pol := e.policies.Current()
	in := e.policyInput(ctx, ev)
	d := pol.Evaluate(in)

	switch d.Action {
	case model.ActionAutoReply:
		if ev.Confidence == model.ConfidenceLow && !d.AllowLow {
			e.record(ev, mode, d, "low_confidence_to_human")
			return false, nil
		}
		if mode == model.AutopilotFull {
			return e.autoReply(ctx, ev, mode, d)
		}
		return e.suggest(ctx, ev, mode, d)
	case model.ActionDeny:
		return e.deny(ctx, ev, mode, d)
	case model.ActionNotifyOnly:
		return e.notifyOnly(ctx, ev, mode, d)
	default:
		if d.Matched {
			e.record(ev, mode, d, "")
		}
		return false, nil
	}
}

func (e *Engine) policyInput(ctx context.Context, ev model.PromptEvent) policy.Input {
	in := policy.Input{
		Type:       ev.Type,
		Confidence: ev.Confidence,
		Text:       ev.Question + "\n" + ev.Excerpt,
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if sess, err := e.store.GetSession(sctx, ev.SessionID); err == nil {
		in.Tool = sess.Tool
		in.SessionLabel = sess.Label
	} else {
		e.logger.Warn("session lookup failed, matching without tool context",
			zap.String("session_id", ev.SessionID), zap.Error(err))
	}
	return in
}

// autoReply decides and injects immediately, then tells the channel after
// the fact. The notification never blocks the injection path.
func (e *Engine) autoReply(ctx context.Context, ev model.PromptEvent, mode model.AutopilotMode, d policy.Decision) (bool, error) {
	if err := e.decideAndInject(ctx, ev, d.Reply); err != nil {
		return false, err
	}
	e.auditEvent("autopilot_reply", map[string]string{
		"prompt_id":    ev.PromptID,
		"matched_rule": d.RuleID,
		"reply":        d.Reply,
		"source":       string(model.ReplyFromAutopilot),
	})
	e.record(ev, mode, d, "")
	e.notifyAsync(ev.SessionID, fmt.Sprintf(
		"Autopilot answered %q with %q (rule %s).", firstLine(ev.Question), d.Reply, d.RuleID))
	return true, nil
}

// deny injects the synthetic negative reply immediately. The override
// window never applies to deny rules.
func (e *Engine) deny(ctx context.Context, ev model.PromptEvent, mode model.AutopilotMode, d policy.Decision) (bool, error) {
	reply := d.Reply
	if reply == "" {
		reply = "n"
	}
	if err := e.decideAndInject(ctx, ev, reply); err != nil {
		return false, err
	}
	e.auditEvent("autopilot_deny", map[string]string{
		"prompt_id":    ev.PromptID,
		"matched_rule": d.RuleID,
		"reply":        reply,
		"source":       string(model.ReplyFromAutopilot),
	})
	e.record(ev, mode, d, "")
	e.notifyAsync(ev.SessionID, fmt.Sprintf(
		"Autopilot denied %q (rule %s).", firstLine(ev.Question), d.RuleID))
	return true, nil
}

// suggest delivers the prompt annotated with the suggested reply and arms
// the override window. A human reply through the normal return path wins
// the decision guard; if the window lapses first the suggestion is
// injected. Low-confidence suggestions never auto-apply.
func (e *Engine) suggest(ctx context.Context, ev model.PromptEvent, mode model.AutopilotMode, d policy.Decision) (bool, error) {
	now := e.now().UTC()
	if err := e.transition(ctx, ev.PromptID, model.StateCreated, model.StateRouted, now); err != nil {
		return false, err
	}

	autoApply := ev.Confidence != model.ConfidenceLow
	question := ev.Question
	if autoApply {
		question = fmt.Sprintf("%s\n\nSuggested reply: %q (applies in %s unless you answer)",
			ev.Question, d.Reply, e.cfg.OverrideWindow)
	} else {
		question = fmt.Sprintf("%s\n\nSuggested reply: %q (confirm to apply)", ev.Question, d.Reply)
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	token, err := e.ch.Deliver(dctx, channel.Delivery{
		PromptID:  ev.PromptID,
		SessionID: ev.SessionID,
		Nonce:     ev.Nonce,
		Type:      ev.Type,
		Question:  question,
		Options:   ev.Options,
		Excerpt:   ev.Excerpt,
	}, e.cfg.Allowlist)
	cancel()
	if err != nil {
		if terr := e.transition(ctx, ev.PromptID, model.StateRouted, model.StateFailed, e.now().UTC()); terr != nil {
			e.logger.Error("failed to mark prompt failed",
				zap.String("prompt_id", ev.PromptID), zap.Error(terr))
		}
		return false, err
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.SetChannelMsg(sctx, ev.PromptID, token, e.now().UTC()); err != nil {
		return false, err
	}
	if err := e.transition(ctx, ev.PromptID, model.StateRouted, model.StateAwaitingReply, e.now().UTC()); err != nil {
		return false, err
	}

	e.auditEvent("autopilot_suggestion", map[string]string{
		"prompt_id":    ev.PromptID,
		"matched_rule": d.RuleID,
		"reply":        d.Reply,
		"auto_apply":   fmt.Sprintf("%t", autoApply),
	})
	e.record(ev, mode, d, "")

	if autoApply {
		ev.State = model.StateAwaitingReply
		e.armOverrideTimer(ev, d.Reply)
	}
	return true, nil
}

func (e *Engine) armOverrideTimer(ev model.PromptEvent, reply string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.timers[ev.PromptID] = time.AfterFunc(e.cfg.OverrideWindow, func() {
		e.mu.Lock()
		delete(e.timers, ev.PromptID)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		defer cancel()
		if err := e.decideAndInject(ctx, ev, reply); err != nil {
			if errors.Is(err, errLostDecision) {
				return
			}
			e.logger.Error("override window injection failed",
				zap.String("prompt_id", ev.PromptID), zap.Error(err))
			return
		}
		e.auditEvent("autopilot_window_elapsed", map[string]string{
			"prompt_id": ev.PromptID,
			"reply":     reply,
		})
	})
}

var errLostDecision = errors.New("autopilot: decision already made")

// decideAndInject moves the prompt through the store's decision guard and
// queues the reply. The guard arbitrates against concurrent human replies.
func (e *Engine) decideAndInject(ctx context.Context, ev model.PromptEvent, reply string) error {
	now := e.now().UTC()
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	if ev.State == model.StateCreated {
		if err := e.store.Transition(sctx, ev.PromptID, model.StateCreated, model.StateRouted, now); err != nil {
			return err
		}
	}
	outcome, err := e.store.DecidePrompt(sctx, ev.PromptID, ev.SessionID, reply, model.ReplyFromAutopilot, now)
	if err != nil {
		return err
	}
	if outcome != model.DecisionAccepted {
		return fmt.Errorf("%w: %s", errLostDecision, outcome)
	}
	return e.sink.Enqueue(router.Injection{
		SessionID: ev.SessionID,
		PromptID:  ev.PromptID,
		Type:      ev.Type,
		Value:     reply,
		Source:    model.ReplyFromAutopilot,
	})
}

// notifyOnly cancels the prompt and tells the channel what happened. No
// reply is awaited and nothing is injected.
func (e *Engine) notifyOnly(ctx context.Context, ev model.PromptEvent, mode model.AutopilotMode, d policy.Decision) (bool, error) {
	now := e.now().UTC()
	if err := e.transition(ctx, ev.PromptID, model.StateCreated, model.StateRouted, now); err != nil {
		return false, err
	}
	if err := e.transition(ctx, ev.PromptID, model.StateRouted, model.StateCanceled, now); err != nil {
		return false, err
	}
	e.auditEvent("autopilot_notify_only", map[string]string{
		"prompt_id":    ev.PromptID,
		"matched_rule": d.RuleID,
	})
	e.record(ev, mode, d, "")
	e.notifyAsync(ev.SessionID, fmt.Sprintf(
		"Prompt observed (not relayed): %s", firstLine(ev.Question)))
	return true, nil
}

func (e *Engine) notifyAsync(sessionID, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.ch.Notify(ctx, sessionID, message); err != nil {
			e.logger.Warn("autopilot notification failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

func (e *Engine) record(ev model.PromptEvent, mode model.AutopilotMode, d policy.Decision, note string) {
	if e.trace == nil {
		return
	}
	action := string(d.Action)
	if note != "" {
		action = action + ":" + note
	}
	entry := TraceEntry{
		PromptID:   ev.PromptID,
		SessionID:  ev.SessionID,
		Excerpt:    clip(ev.Excerpt, maxTraceExcerpt),
		RuleID:     d.RuleID,
		Action:     action,
		Reply:      d.Reply,
		Mode:       string(mode),
		RiskLevel:  riskLevel(ev, d),
		PolicyHash: d.PolicyHash,
	}
	if err := e.trace.Append(entry); err != nil {
		e.logger.Error("decision trace append failed",
			zap.String("prompt_id", ev.PromptID), zap.Error(err))
	}
}

// riskLevel is an annotation for the trace, never a gate.
func riskLevel(ev model.PromptEvent, d policy.Decision) string {
	switch {
	case d.Action == model.ActionDeny:
		return "high"
	case d.Action == model.ActionAutoReply && ev.Confidence == model.ConfidenceLow:
		return "medium"
	case d.Action == model.ActionAutoReply:
		return "low"
	}
	return ""
}

func (e *Engine) transition(ctx context.Context, promptID string, from, to model.PromptState, now time.Time) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.Transition(sctx, promptID, from, to, now)
}

func (e *Engine) auditEvent(kind string, data any) {
	if e.log == nil {
		return
	}
	if err := e.log.Append(kind, data); err != nil {
		e.logger.Error("audit append failed", zap.String("kind", kind), zap.Error(err))
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	return clip(s, 120)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
