package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

type captureSink struct {
	mu  sync.Mutex
	inj []Injection
}

func (c *captureSink) Enqueue(i Injection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inj = append(c.inj, i)
	return nil
}

func (c *captureSink) all() []Injection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Injection(nil), c.inj...)
}

type fixture struct {
	store     *db.Store
	ch        *channel.ScriptChannel
	sink      *captureSink
	r         *Router
	auditPath string
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := db.Open(ctx, filepath.Join(dir, "prompts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	auditPath := filepath.Join(dir, "audit.log")
	log, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ch := channel.NewScriptChannel()
	t.Cleanup(func() { _ = ch.Close() })
	sink := &captureSink{}
	r := New(store, ch, log, sink, nil, nil, Config{Allowlist: []string{"alice"}})
	return &fixture{store: store, ch: ch, sink: sink, r: r, auditPath: auditPath}, ctx
}

// auditKinds returns the kinds of every audit record written so far.
func auditKinds(t *testing.T, f *fixture) []string {
	t.Helper()
	entries, err := audit.Verify(f.auditPath, 0, 0)
	if err != nil {
		t.Fatalf("verify audit log: %v", err)
	}
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func seedPrompt(t *testing.T, ctx context.Context, store *db.Store, promptID, nonce string, state model.PromptState, ttl time.Duration) model.PromptEvent {
	t.Helper()
	now := time.Now().UTC()
	sess := model.Session{
		SessionID: "s1",
		Tool:      "claude",
		Status:    model.SessionActive,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertSession(ctx, sess); err != nil && !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("insert session: %v", err)
	}
	p := model.PromptEvent{
		PromptID:   promptID,
		SessionID:  "s1",
		Nonce:      nonce,
		State:      model.StateCreated,
		Type:       model.PromptYesNo,
		Confidence: model.ConfidenceHigh,
		Signal:     model.SignalPattern,
		Question:   "Continue? [y/n]",
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}
	if err := store.InsertPrompt(ctx, p); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	for _, step := range []model.PromptState{model.StateRouted, model.StateAwaitingReply, model.StateReplyReceived} {
		if p.State == state {
			break
		}
		if err := store.Transition(ctx, promptID, p.State, step, now); err != nil {
			t.Fatalf("advance prompt to %s: %v", step, err)
		}
		p.State = step
	}
	return p
}

func TestForwardPathDeliversAndAdvancesState(t *testing.T) {
	f, ctx := newFixture(t)
	p := seedPrompt(t, ctx, f.store, "p1", "n1", model.StateCreated, time.Minute)

	if err := f.r.HandlePrompt(ctx, p); err != nil {
		t.Fatalf("handle prompt: %v", err)
	}

	got, err := f.store.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if got.State != model.StateAwaitingReply {
		t.Fatalf("expected awaiting_reply, got %s", got.State)
	}
	if !strings.HasPrefix(got.ChannelMsg, "script:") {
		t.Fatalf("expected channel token recorded, got %q", got.ChannelMsg)
	}
	if len(f.ch.Deliveries()) != 1 {
		t.Fatalf("expected one delivery")
	}
}

func TestForwardPathMarksFailedOnPermanentDeliveryFailure(t *testing.T) {
	f, ctx := newFixture(t)
	p := seedPrompt(t, ctx, f.store, "p1", "n1", model.StateCreated, time.Minute)

	f.ch.FailNext(channel.ErrDeliveryFailed)
	if err := f.r.HandlePrompt(ctx, p); err == nil {
		t.Fatalf("expected delivery error")
	}

	got, err := f.store.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if got.State != model.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
}

func TestReturnPathAcceptsAndEnqueuesInjection(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateAwaitingReply, time.Minute)

	in := channel.InboundReply{PromptID: "p1", Nonce: "n1", Identity: "alice", Value: "y"}
	if err := f.r.HandleReply(ctx, in); err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	injections := f.sink.all()
	if len(injections) != 1 {
		t.Fatalf("expected one injection, got %d", len(injections))
	}
	if injections[0].PromptID != "p1" || injections[0].Value != "y" || injections[0].Source != model.ReplyFromHuman {
		t.Fatalf("unexpected injection %+v", injections[0])
	}

	got, err := f.store.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if got.State != model.StateReplyReceived {
		t.Fatalf("expected reply_received, got %s", got.State)
	}
}

func TestReturnPathDuplicateCausesSingleInjection(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateAwaitingReply, time.Minute)

	in := channel.InboundReply{PromptID: "p1", Nonce: "n1", Identity: "alice", Value: "n"}
	if err := f.r.HandleReply(ctx, in); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if err := f.r.HandleReply(ctx, in); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if len(f.sink.all()) != 1 {
		t.Fatalf("duplicate callback must cause at most one injection")
	}
}

func TestReturnPathRejectsNonceMismatchAndBadIdentity(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateAwaitingReply, time.Minute)

	if err := f.r.HandleReply(ctx, channel.InboundReply{PromptID: "p1", Nonce: "stale", Identity: "alice", Value: "y"}); err != nil {
		t.Fatalf("nonce mismatch reply: %v", err)
	}
	if err := f.r.HandleReply(ctx, channel.InboundReply{PromptID: "p1", Nonce: "n1", Identity: "mallory", Value: "y"}); err != nil {
		t.Fatalf("denied identity reply: %v", err)
	}
	if len(f.sink.all()) != 0 {
		t.Fatalf("rejected replies must not inject")
	}

	kinds := auditKinds(t, f)
	var mismatch, denied bool
	for _, k := range kinds {
		switch k {
		case "reply_nonce_mismatch":
			mismatch = true
		case "reply_identity_denied":
			denied = true
		}
	}
	if !mismatch || !denied {
		t.Fatalf("rejections must be audited, got kinds %v", kinds)
	}

	got, err := f.store.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if got.State != model.StateAwaitingReply {
		t.Fatalf("prompt must stay awaiting_reply, got %s", got.State)
	}
}

func TestReturnPathExpiredPromptSendsNotice(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateAwaitingReply, -time.Minute)

	if err := f.r.HandleReply(ctx, channel.InboundReply{PromptID: "p1", Nonce: "n1", Identity: "alice", Value: "y"}); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	notices := f.ch.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "expired") {
		t.Fatalf("expected expiry notice, got %v", notices)
	}
	if len(f.sink.all()) != 0 {
		t.Fatalf("expired prompt must not inject")
	}
}

func TestReturnPathLooksUpByNonceWhenPromptIDMissing(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateAwaitingReply, time.Minute)

	if err := f.r.HandleReply(ctx, channel.InboundReply{Nonce: "n1", Identity: "alice", Value: "y"}); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if len(f.sink.all()) != 1 {
		t.Fatalf("expected nonce lookup to inject")
	}
}

func TestRecoverRedeliversAndReplaysDecidedReplies(t *testing.T) {
	f, ctx := newFixture(t)
	seedPrompt(t, ctx, f.store, "p1", "n1", model.StateRouted, time.Minute)
	seedPrompt(t, ctx, f.store, "p2", "n2", model.StateAwaitingReply, time.Minute)
	p3 := seedPrompt(t, ctx, f.store, "p3", "n3", model.StateAwaitingReply, time.Minute)
	if _, err := f.store.DecidePrompt(ctx, p3.PromptID, p3.SessionID, "y", model.ReplyFromHuman, time.Now().UTC()); err != nil {
		t.Fatalf("decide p3: %v", err)
	}

	if err := f.r.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if len(f.ch.Deliveries()) != 2 {
		t.Fatalf("expected p1 and p2 redelivered, got %d deliveries", len(f.ch.Deliveries()))
	}
	injections := f.sink.all()
	if len(injections) != 1 || injections[0].PromptID != "p3" || injections[0].Value != "y" {
		t.Fatalf("expected decided reply re-enqueued, got %v", injections)
	}

	got, err := f.store.GetPrompt(ctx, "p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if got.State != model.StateAwaitingReply {
		t.Fatalf("expected p1 advanced to awaiting_reply, got %s", got.State)
	}
}

type stubGate struct {
	handled bool
	seen    []string
}

func (g *stubGate) HandlePrompt(ctx context.Context, ev model.PromptEvent) (bool, error) {
	g.seen = append(g.seen, ev.PromptID)
	return g.handled, nil
}

func TestAutopilotGateShortCircuitsForwardPath(t *testing.T) {
	f, ctx := newFixture(t)
	gate := &stubGate{handled: true}
	f.r.gate = gate
	p := seedPrompt(t, ctx, f.store, "p1", "n1", model.StateCreated, time.Minute)

	if err := f.r.HandlePrompt(ctx, p); err != nil {
		t.Fatalf("handle prompt: %v", err)
	}
	if len(gate.seen) != 1 {
		t.Fatalf("expected gate consulted once")
	}
	if len(f.ch.Deliveries()) != 0 {
		t.Fatalf("handled prompt must not reach the channel")
	}
}
