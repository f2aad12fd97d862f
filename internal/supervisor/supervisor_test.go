package supervisor

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

func TestFilterLineStartsDuringSuppression(t *testing.T) {
	atStart := true
	out := filterLineStarts([]byte("yes\nn"), &atStart)
	if string(out) != "y\nn" {
		t.Fatalf("only line-starting bytes may pass, got %q", out)
	}

	atStart = false
	out = filterLineStarts([]byte("abc"), &atStart)
	if len(out) != 0 {
		t.Fatalf("mid-line bytes must be dropped, got %q", out)
	}

	atStart = false
	out = filterLineStarts([]byte("\nq"), &atStart)
	if string(out) != "q" {
		t.Fatalf("byte after newline must pass, got %q", out)
	}
}

func TestEnqueueRejectsWhenFullOrClosed(t *testing.T) {
	s := newTestSupervisor(t, Config{QueueSize: 1})
	if err := s.Enqueue(router.Injection{PromptID: "p1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(router.Injection{PromptID: "p2"}); err != ErrQueueFull {
		t.Fatalf("expected queue-full error, got %v", err)
	}

	s.closeOnce.Do(func() { close(s.done) })
	if err := s.Enqueue(router.Injection{PromptID: "p3"}); err != ErrNotRunning {
		t.Fatalf("expected not-running error, got %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
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

	log, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ad, ok := adapter.DefaultRegistry().Resolve("claude")
	if !ok {
		t.Fatalf("no claude adapter")
	}
	det := detect.New(ad, nil, detect.WithSilence(400*time.Millisecond))
	prompts := make(chan model.PromptEvent, 8)
	t.Cleanup(func() { _ = log.Close() })
	return New(store, log, ad, det, nil, prompts, cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoundTripAnswersPromptThroughPty(t *testing.T) {
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
	log, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ad, ok := adapter.DefaultRegistry().Resolve("claude")
	if !ok {
		t.Fatalf("no claude adapter")
	}
	det := detect.New(ad, nil, detect.WithSilence(400*time.Millisecond))
	prompts := make(chan model.PromptEvent, 8)
	out := &syncBuffer{}
	s := New(store, log, ad, det, nil, prompts, Config{Stdout: out, TTL: time.Minute})

	script := `printf 'Continue? [y/N] '; read answer; printf 'got:%s\n' "$answer"`
	if err := s.Start(ctx, []string{"/bin/sh", "-c", script}); err != nil {
		t.Fatalf("start: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(runCtx) }()

	var ev model.PromptEvent
	select {
	case ev = <-prompts:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for prompt detection")
	}
	if ev.Type != model.PromptYesNo || ev.Confidence != model.ConfidenceHigh {
		t.Fatalf("unexpected prompt %+v", ev)
	}

	// Walk the prompt to REPLY_RECEIVED the way the router would before
	// handing it to the injector.
	now := time.Now().UTC()
	if err := store.Transition(ctx, ev.PromptID, model.StateCreated, model.StateRouted, now); err != nil {
		t.Fatalf("route: %v", err)
	}
	if _, err := store.DecidePrompt(ctx, ev.PromptID, ev.SessionID, "y", model.ReplyFromHuman, now); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := s.Enqueue(router.Injection{
		SessionID: ev.SessionID,
		PromptID:  ev.PromptID,
		Type:      ev.Type,
		Value:     "y",
		Source:    model.ReplyFromHuman,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "child to acknowledge the injected reply", func() bool {
		return strings.Contains(out.String(), "got:y")
	})
	waitFor(t, "prompt to resolve", func() bool {
		p, err := store.GetPrompt(ctx, ev.PromptID)
		return err == nil && p.State == model.StateResolved
	})

	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}

	sess, err := store.GetSession(ctx, s.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != model.SessionExited {
		t.Fatalf("expected exited session, got %s", sess.Status)
	}
}

func TestSilenceWatchdogEmitsLowConfidencePrompt(t *testing.T) {
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

	ad, ok := adapter.DefaultRegistry().Resolve("claude")
	if !ok {
		t.Fatalf("no claude adapter")
	}
	det := detect.New(ad, nil, detect.WithSilence(300*time.Millisecond))
	prompts := make(chan model.PromptEvent, 8)
	s := New(store, nil, ad, det, nil, prompts, Config{TTL: time.Minute})

	// No recognizable pattern: the child emits text and then waits, so
	// only the silence layer can fire.
	script := `printf 'thinking about it> '; sleep 5`
	if err := s.Start(ctx, []string{"/bin/sh", "-c", script}); err != nil {
		t.Fatalf("start: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(runCtx) }()
	t.Cleanup(func() { cancel(); <-runDone })

	select {
	case ev := <-prompts:
		if ev.Signal == model.SignalPattern {
			t.Fatalf("pattern layer must not fire on %q", ev.Excerpt)
		}
		if ev.Confidence == model.ConfidenceHigh {
			t.Fatalf("non-pattern signals must not be high confidence, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for silence detection")
	}
}
