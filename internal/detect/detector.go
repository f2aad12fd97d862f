// Package detect watches the output stream of a supervised tool and decides
// when the tool is waiting on a human. Three layers run in confidence order:
// adapter patterns (high), a blocked PTY read ending mid-line (medium), and
// output silence (low).
package detect

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

const (
	// bufferSize bounds the sliding window of recent output.
	bufferSize = 4096

	// DefaultSilence is how long output must stay quiet before the silence
	// layer fires.
	DefaultSilence = 2 * time.Second

	// suppressWindow mutes all layers after a reply injection so the tool's
	// echo of the injected bytes is never re-detected as a prompt.
	suppressWindow = 500 * time.Millisecond

	// patternBudget caps one pattern pass. A pass that blows the budget is
	// abandoned and the silence layer covers the turn instead.
	patternBudget = 5 * time.Millisecond
)

// Result describes one detected prompt candidate.
type Result struct {
	Type       model.PromptType
	Confidence model.Confidence
	Signal     model.Signal
	Question   string
	Options    []string
	Excerpt    string
}

// Detector accumulates tool output and classifies it on demand. All methods
// are safe for concurrent use; the output reader calls Observe while the
// supervisor's watchdog calls CheckSilence.
type Detector struct {
	adapter adapter.Adapter
	logger  *zap.Logger
	silence time.Duration
	now     func() time.Time

	mu            sync.Mutex
	buf           []byte
	bytesInTurn   int
	lastOutput    time.Time
	suppressUntil time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithSilence overrides the silence threshold.
func WithSilence(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.silence = d
		}
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

func New(a adapter.Adapter, logger *zap.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		adapter: a,
		logger:  logger,
		silence: DefaultSilence,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SilenceInterval returns the configured silence threshold. The supervisor's
// watchdog ticks at a quarter of this interval.
func (d *Detector) SilenceInterval() time.Duration {
	return d.silence
}

// Observe appends freshly read output to the sliding window.
func (d *Detector) Observe(p []byte) {
	if len(p) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	if len(d.buf) > bufferSize {
		d.buf = d.buf[len(d.buf)-bufferSize:]
	}
	d.bytesInTurn += len(p)
	d.lastOutput = d.now()
}

// MarkInjected starts the post-injection suppression window and begins a
// fresh output turn.
func (d *Detector) MarkInjected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressUntil = d.now().Add(suppressWindow)
	d.bytesInTurn = 0
}

// Suppressed reports whether the post-injection suppression window is
// still open.
func (d *Detector) Suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Before(d.suppressUntil)
}

// Analyze runs the pattern layer and, when the PTY read is known to be
// blocked, the blocked-read layer. It reports false while suppression is
// active or nothing matches.
func (d *Detector) Analyze(blockedRead bool) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().Before(d.suppressUntil) {
		return Result{}, false
	}
	text := normalize(d.tailLocked())

	if res, ok := d.matchPatterns(text); ok {
		return res, true
	}

	if blockedRead && endsMidLine(text) {
		line := lastLine(text)
		return Result{
			Type:       model.PromptFreeText,
			Confidence: model.ConfidenceMedium,
			Signal:     model.SignalBlockedRead,
			Question:   line,
			Excerpt:    excerpt(text),
		}, true
	}
	return Result{}, false
}

// CheckSilence is the watchdog entry point. It fires a low-confidence
// unknown prompt when the tool produced output this turn and then went
// quiet for the silence interval.
func (d *Detector) CheckSilence() (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Before(d.suppressUntil) {
		return Result{}, false
	}
	if d.bytesInTurn == 0 || d.lastOutput.IsZero() {
		return Result{}, false
	}
	if now.Sub(d.lastOutput) < d.silence {
		return Result{}, false
	}
	text := normalize(d.tailLocked())
	return Result{
		Type:       model.PromptUnknown,
		Confidence: model.ConfidenceLow,
		Signal:     model.SignalSilence,
		Question:   lastLine(text),
		Excerpt:    excerpt(text),
	}, true
}

// ResetTurn clears the per-turn byte counter, marking the start of a new
// output turn without suppressing detection.
func (d *Detector) ResetTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bytesInTurn = 0
}

func (d *Detector) tailLocked() []byte {
	window := d.adapter.MatchWindow()
	if window <= 0 || window > len(d.buf) {
		return d.buf
	}
	return d.buf[len(d.buf)-window:]
}

func (d *Detector) matchPatterns(text string) (Result, bool) {
	start := d.now()
	for _, p := range d.adapter.PromptPatterns() {
		if d.now().Sub(start) > patternBudget {
			d.logger.Warn("pattern pass over budget, deferring to silence layer",
				zap.String("tool", d.adapter.Name()),
				zap.Duration("budget", patternBudget))
			return Result{}, false
		}
		if !p.Re.MatchString(text) {
			continue
		}
		res := Result{
			Type:       p.Type,
			Confidence: model.ConfidenceHigh,
			Signal:     model.SignalPattern,
			Question:   lastLine(text),
			Excerpt:    excerpt(text),
		}
		if p.Type == model.PromptMultipleChoice {
			res.Question, res.Options = parseMenu(text)
		}
		return res, true
	}
	return Result{}, false
}

var (
	csiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRe    = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	escRe    = regexp.MustCompile(`\x1b[@-_]`)
	menuItem = regexp.MustCompile(`^\s*[❯>]?\s*(?:(\d+)[.)]|\[(\d+)\])\s+(.+?)\s*$`)
)

// normalize strips ANSI escape sequences and normalizes line endings so
// patterns match the text a human would see.
func normalize(raw []byte) string {
	s := string(raw)
	s = oscRe.ReplaceAllString(s, "")
	s = csiRe.ReplaceAllString(s, "")
	s = escRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func endsMidLine(text string) bool {
	trimmed := strings.TrimRight(text, " ")
	return trimmed != "" && !strings.HasSuffix(trimmed, "\n")
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// excerpt keeps the last few lines of context for the delivered message.
func excerpt(text string) string {
	const maxLines = 8
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// parseMenu pulls the question line and the numbered options out of a
// multiple-choice block.
func parseMenu(text string) (question string, options []string) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	firstItem := -1
	for i, line := range lines {
		if m := menuItem.FindStringSubmatch(line); m != nil {
			if firstItem == -1 {
				firstItem = i
			}
			options = append(options, m[3])
		}
	}
	for i := firstItem - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			question = line
			break
		}
	}
	if question == "" && firstItem >= 0 {
		question = strings.TrimSpace(lines[firstItem])
	}
	return question, options
}
