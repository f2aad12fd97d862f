// Package lab runs deterministic regression scenarios against the real
// detection and routing pipeline. A harness feeds scripted terminal output
// into the detector under a fake clock, delivers prompts through the script
// channel, and pumps replies back through the router, so every scenario is
// reproducible byte for byte.
package lab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

const (
	sessionID = "lab"
	operator  = "lab-operator"
)

// Outcome is the result of one scenario run.
type Outcome struct {
	ID          string
	Description string
	Passed      bool
	Detail      string
}

// Scenario is one scripted detection and routing exchange. Run returns nil
// on pass and a descriptive error on the first failed assertion.
type Scenario struct {
	ID          string
	Description string
	Run         func(ctx context.Context, h *Harness) error
}

// ErrUnknownScenario reports a scenario ID outside the registry.
type ErrUnknownScenario struct{ ID string }

func (e ErrUnknownScenario) Error() string {
	return fmt.Sprintf("lab: unknown scenario %q", e.ID)
}

// Harness wires a fresh store, audit log, detector, script channel, and
// router together for one scenario. Time only moves when a scenario calls
// Advance, so silence and suppression windows are exact.
type Harness struct {
	dir   string
	store *db.Store
	log   *audit.Log
	ad    adapter.Adapter
	det   *detect.Detector
	ch    *channel.ScriptChannel
	rt    *router.Router
	sink  *captureSink

	mu  sync.Mutex
	now time.Time
}

type captureSink struct {
	mu         sync.Mutex
	injections []router.Injection
}

func (c *captureSink) Enqueue(inj router.Injection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injections = append(c.injections, inj)
	return nil
}

func (c *captureSink) all() []router.Injection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Injection(nil), c.injections...)
}

// NewHarness builds a harness in a private temp directory. Close releases
// everything the scenario opened.
func NewHarness(ctx context.Context) (*Harness, error) {
	dir, err := os.MkdirTemp("", "atlasbridge-lab-*")
	if err != nil {
		return nil, fmt.Errorf("lab: temp dir: %w", err)
	}
	h := &Harness{
		dir: dir,
		now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h.store, err = db.Open(ctx, filepath.Join(dir, "prompts.db"))
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, h.store.DB()); err != nil {
		h.Close()
		return nil, err
	}
	h.log, err = audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		h.Close()
		return nil, err
	}

	reg := adapter.DefaultRegistry()
	ad, ok := reg.Resolve("claude")
	if !ok {
		h.Close()
		return nil, fmt.Errorf("lab: claude adapter missing from registry")
	}
	h.ad = ad
	h.det = detect.New(ad, zap.NewNop(), detect.WithClock(h.clockNow))
	h.ch = channel.NewScriptChannel()
	h.sink = &captureSink{}
	h.rt = router.New(h.store, h.ch, h.log, h.sink, nil, zap.NewNop(), router.Config{
		Allowlist: []string{operator},
	})

	now := h.clockNow()
	if err := h.store.InsertSession(ctx, model.Session{
		SessionID: sessionID,
		Tool:      ad.Name(),
		Label:     "lab",
		Cmdline:   "lab",
		Status:    model.SessionActive,
		StartedAt: now,
		UpdatedAt: now,
	}); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) Close() {
	if h.ch != nil {
		_ = h.ch.Close() //nolint:errcheck
	}
	if h.log != nil {
		_ = h.log.Close() //nolint:errcheck
	}
	if h.store != nil {
		_ = h.store.Close() //nolint:errcheck
	}
	if h.dir != "" {
		_ = os.RemoveAll(h.dir) //nolint:errcheck
	}
}

func (h *Harness) clockNow() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Advance moves the fake clock forward.
func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

// Feed plays raw terminal output into the detector.
func (h *Harness) Feed(output string) {
	h.det.Observe([]byte(output))
}

// Detect runs the pattern and blocked-read layers over the buffered output.
func (h *Harness) Detect(blockedRead bool) (detect.Result, bool) {
	return h.det.Analyze(blockedRead)
}

// CheckSilence runs the watchdog layer.
func (h *Harness) CheckSilence() (detect.Result, bool) {
	return h.det.CheckSilence()
}

// MarkInjected opens the detector's post-injection suppression window.
func (h *Harness) MarkInjected() { h.det.MarkInjected() }

// Emit persists a detected prompt and pushes it down the forward path. The
// TTL may be negative to produce a prompt that is already expired when the
// reply arrives.
func (h *Harness) Emit(ctx context.Context, res detect.Result, ttl time.Duration) (model.PromptEvent, error) {
	now := h.clockNow()
	ev := model.PromptEvent{
		PromptID:   uuid.NewString(),
		SessionID:  sessionID,
		Nonce:      uuid.NewString(),
		State:      model.StateCreated,
		Type:       res.Type,
		Confidence: res.Confidence,
		Signal:     res.Signal,
		Question:   res.Question,
		Options:    res.Options,
		Excerpt:    res.Excerpt,
		CreatedAt:  now,
		ExpiresAt:  time.Now().UTC().Add(ttl),
		UpdatedAt:  now,
	}
	if err := h.store.InsertPrompt(ctx, ev); err != nil {
		return ev, err
	}
	if err := h.rt.HandlePrompt(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// QueueReply arms the script channel to answer the next matching delivery
// from the allowlisted operator.
func (h *Harness) QueueReply(value string) {
	h.ch.QueueRule(channel.ScriptRule{Value: value, Identity: operator})
}

// InjectReply puts a hand-built reply on the stream, bypassing the rules.
func (h *Harness) InjectReply(r channel.InboundReply) { h.ch.Inject(r) }

// Pump drains every reply the channel has buffered through the router.
func (h *Harness) Pump(ctx context.Context) error {
	for {
		select {
		case in, ok := <-h.ch.Replies():
			if !ok {
				return nil
			}
			if err := h.rt.HandleReply(ctx, in); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Injections returns everything the router decided and queued so far.
func (h *Harness) Injections() []router.Injection { return h.sink.all() }

// Notices returns the informational channel messages sent so far.
func (h *Harness) Notices() []string { return h.ch.Notices() }

// Prompt reloads a prompt row.
func (h *Harness) Prompt(ctx context.Context, id string) (model.PromptEvent, error) {
	return h.store.GetPrompt(ctx, id)
}

// Encode renders a reply value the way the injector would.
func (h *Harness) Encode(t model.PromptType, value string) ([]byte, error) {
	return h.ad.Encode(t, value)
}

// Run executes one scenario by ID.
func Run(ctx context.Context, id string) (Outcome, error) {
	for _, sc := range Scenarios() {
		if sc.ID == id {
			return execute(ctx, sc), nil
		}
	}
	return Outcome{}, ErrUnknownScenario{ID: id}
}

// RunAll executes every registered scenario in ID order.
func RunAll(ctx context.Context) []Outcome {
	scenarios := Scenarios()
	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].ID < scenarios[j].ID })
	outcomes := make([]Outcome, 0, len(scenarios))
	for _, sc := range scenarios {
		outcomes = append(outcomes, execute(ctx, sc))
	}
	return outcomes
}

func execute(ctx context.Context, sc Scenario) Outcome {
	out := Outcome{ID: sc.ID, Description: sc.Description}
	h, err := NewHarness(ctx)
	if err != nil {
		out.Detail = err.Error()
		return out
	}
	defer h.Close()
	if err := sc.Run(ctx, h); err != nil {
		out.Detail = err.Error()
		return out
	}
	out.Passed = true
	return out
}
