package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

type captureExpirer struct {
	mu      sync.Mutex
	expired []model.PromptEvent
}

func (c *captureExpirer) HandleExpired(_ context.Context, prompts []model.PromptEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = append(c.expired, prompts...)
}

func TestSweeperExpiresOverduePrompts(t *testing.T) {
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

	now := time.Now().UTC()
	if err := store.InsertSession(ctx, model.Session{
		SessionID: "s1", Tool: "claude", Cmdline: "claude",
		Status: model.SessionActive, StartedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	insert := func(id string, expires time.Time) {
		t.Helper()
		if err := store.InsertPrompt(ctx, model.PromptEvent{
			PromptID: id, SessionID: "s1", Nonce: "n-" + id,
			State: model.StateCreated, Type: model.PromptYesNo,
			Confidence: model.ConfidenceHigh, Signal: model.SignalPattern,
			CreatedAt: now.Add(-time.Minute), ExpiresAt: expires,
			UpdatedAt: now,
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("overdue", now.Add(-time.Second))
	insert("fresh", now.Add(time.Hour))

	exp := &captureExpirer{}
	sw := NewSweeper(store, exp, nil, time.Second)
	sw.sweep(ctx)

	exp.mu.Lock()
	defer exp.mu.Unlock()
	if len(exp.expired) != 1 || exp.expired[0].PromptID != "overdue" {
		t.Fatalf("expired = %+v", exp.expired)
	}
	if exp.expired[0].State != model.StateExpired {
		t.Fatalf("state = %s", exp.expired[0].State)
	}

	p, err := store.GetPrompt(ctx, "fresh")
	if err != nil || p.State != model.StateCreated {
		t.Fatalf("fresh prompt touched: %+v %v", p, err)
	}
}
