package detect

import (
	"bytes"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(t *testing.T, tool string, opts ...Option) (*Detector, *fakeClock) {
	t.Helper()
	a, ok := adapter.DefaultRegistry().Resolve(tool)
	if !ok {
		t.Fatalf("no adapter for %s", tool)
	}
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	opts = append(opts, WithClock(clock.now))
	return New(a, nil, opts...), clock
}

func TestPatternLayerDetectsPartialLinePrompt(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("Editing main.go\nContinue? [y/N] "))

	res, ok := d.Analyze(false)
	if !ok {
		t.Fatalf("expected detection")
	}
	if res.Type != model.PromptYesNo || res.Confidence != model.ConfidenceHigh || res.Signal != model.SignalPattern {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Question != "Continue? [y/N]" {
		t.Fatalf("unexpected question %q", res.Question)
	}
}

func TestPatternLayerSeesThroughAnsiEscapes(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("\x1b[1m\x1b[33mApply this change?\x1b[0m \x1b[2m[y/n]\x1b[0m "))

	res, ok := d.Analyze(false)
	if !ok {
		t.Fatalf("expected detection through ANSI sequences")
	}
	if res.Type != model.PromptYesNo {
		t.Fatalf("expected yes_no, got %s", res.Type)
	}
}

func TestMenuDetectionParsesOptions(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("Do you want to make this edit?\n  1. Yes\n  2. No, keep asking\n"))

	res, ok := d.Analyze(false)
	if !ok {
		t.Fatalf("expected detection")
	}
	if res.Type != model.PromptMultipleChoice {
		t.Fatalf("expected multiple_choice, got %s", res.Type)
	}
	if res.Question != "Do you want to make this edit?" {
		t.Fatalf("unexpected question %q", res.Question)
	}
	if len(res.Options) != 2 || res.Options[0] != "Yes" || res.Options[1] != "No, keep asking" {
		t.Fatalf("unexpected options %v", res.Options)
	}
}

func TestBlockedReadFallsBackToFreeText(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("Describe the change you want: "))

	res, ok := d.Analyze(true)
	if !ok {
		t.Fatalf("expected blocked-read detection")
	}
	if res.Type != model.PromptFreeText || res.Confidence != model.ConfidenceMedium || res.Signal != model.SignalBlockedRead {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Question != "Describe the change you want:" {
		t.Fatalf("unexpected question %q", res.Question)
	}
}

func TestBlockedReadIgnoredAfterCompleteLine(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("Build finished.\n"))

	if _, ok := d.Analyze(true); ok {
		t.Fatalf("complete line must not register as a blocked-read prompt")
	}
}

func TestInjectionSuppressionWindow(t *testing.T) {
	d, clock := newTestDetector(t, "claude")
	d.Observe([]byte("Continue? [y/N] "))
	d.MarkInjected()

	// The tool echoes the injected byte; nothing may fire inside the window.
	d.Observe([]byte("y\r\n"))
	if _, ok := d.Analyze(false); ok {
		t.Fatalf("expected suppression right after injection")
	}
	if _, ok := d.CheckSilence(); ok {
		t.Fatalf("silence layer must also be suppressed")
	}

	clock.advance(600 * time.Millisecond)
	d.Observe([]byte("Next question? [y/n] "))
	if _, ok := d.Analyze(false); !ok {
		t.Fatalf("expected detection after suppression window")
	}
}

func TestSilenceLayerFiresAfterQuietTurn(t *testing.T) {
	d, clock := newTestDetector(t, "claude", WithSilence(2*time.Second))
	d.Observe([]byte("Thinking about your request..."))

	if _, ok := d.CheckSilence(); ok {
		t.Fatalf("silence must not fire before the threshold")
	}
	clock.advance(2100 * time.Millisecond)

	res, ok := d.CheckSilence()
	if !ok {
		t.Fatalf("expected silence detection")
	}
	if res.Type != model.PromptUnknown || res.Confidence != model.ConfidenceLow || res.Signal != model.SignalSilence {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSilenceLayerNeedsOutputThisTurn(t *testing.T) {
	d, clock := newTestDetector(t, "claude")
	clock.advance(time.Minute)
	if _, ok := d.CheckSilence(); ok {
		t.Fatalf("silence must not fire with zero bytes in the turn")
	}

	d.Observe([]byte("done\n"))
	d.ResetTurn()
	clock.advance(time.Minute)
	if _, ok := d.CheckSilence(); ok {
		t.Fatalf("silence must not fire after the turn counter reset")
	}
}

func TestBufferKeepsOnlyRecentOutput(t *testing.T) {
	d, _ := newTestDetector(t, "claude")
	d.Observe([]byte("Old prompt? [y/n] "))
	d.Observe(bytes.Repeat([]byte("x"), 8192))

	if _, ok := d.Analyze(false); ok {
		t.Fatalf("prompt pushed out of the window must not match")
	}
}

func TestNormalizeStripsOscAndControl(t *testing.T) {
	got := normalize([]byte("\x1b]0;title\x07line one\r\nline two\x00\x01 [y/n] "))
	want := "line one\nline two [y/n] "
	if got != want {
		t.Fatalf("normalize mismatch: got %q want %q", got, want)
	}
}
