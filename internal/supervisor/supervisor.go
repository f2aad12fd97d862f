// Package supervisor runs one child CLI program inside a PTY and couples
// its terminal I/O to the detector, the store, and the reply injector.
//
// Four tasks cooperate per session: an output reader, an input relay, a
// stall watchdog, and a reply injector. The PTY write fd is guarded by a
// per-session mutex so relayed keystrokes and injected replies never
// interleave.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultInjectTimeout = 2 * time.Second
	defaultGrace         = 10 * time.Second
	defaultStoreTimeout  = 5 * time.Second
	defaultQueueSize     = 64
	readBufSize          = 4096
)

var (
	ErrQueueFull  = errors.New("supervisor: injection queue full")
	ErrNotRunning = errors.New("supervisor: session not running")
)

type Config struct {
	TTL           time.Duration
	InjectTimeout time.Duration
	Grace         time.Duration
	StoreTimeout  time.Duration
	QueueSize     int
	Label         string
	Repo          string

	// Stdin/Stdout connect the supervising terminal. Stdin may be nil for
	// detached (daemon-managed) sessions.
	Stdin  *os.File
	Stdout io.Writer
}

// Supervisor owns one supervised child process and its PTY.
type Supervisor struct {
	store   *db.Store
	log     *audit.Log
	adapter adapter.Adapter
	det     *detect.Detector
	logger  *zap.Logger
	prompts chan<- model.PromptEvent
	cfg     Config

	sessionID  string
	cmd        *exec.Cmd
	ptmx       *os.File
	injections chan router.Injection

	writeMu sync.Mutex
	now     func() time.Time
	newID   func() string

	restoreOnce sync.Once
	restoreFn   func()

	closeOnce sync.Once
	done      chan struct{}
}

// New wires a supervisor for one session. prompts receives every detected
// prompt event; the caller (the router side) consumes it.
func New(store *db.Store, log *audit.Log, ad adapter.Adapter, det *detect.Detector, logger *zap.Logger, prompts chan<- model.PromptEvent, cfg Config) *Supervisor {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.InjectTimeout <= 0 {
		cfg.InjectTimeout = defaultInjectTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		store:      store,
		log:        log,
		adapter:    ad,
		det:        det,
		logger:     logger,
		prompts:    prompts,
		cfg:        cfg,
		injections: make(chan router.Injection, cfg.QueueSize),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		done:       make(chan struct{}),
	}
}

// SessionID returns the id assigned at Start.
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// Enqueue accepts one decided reply for injection. The queue preserves
// FIFO order for the session.
func (s *Supervisor) Enqueue(inj router.Injection) error {
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}
	select {
	case s.injections <- inj:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start forks the child inside a fresh PTY and records the session. The
// supervising terminal, when present, is switched to raw mode; every exit
// path restores it.
func (s *Supervisor) Start(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("supervisor: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("supervisor: start %s: %w", argv[0], err)
	}
	s.cmd = cmd
	s.ptmx = ptmx
	s.sessionID = s.newID()

	if s.cfg.Stdin != nil && term.IsTerminal(int(s.cfg.Stdin.Fd())) {
		if err := pty.InheritSize(s.cfg.Stdin, ptmx); err != nil {
			s.logger.Warn("initial PTY resize failed", zap.Error(err))
		}
		state, err := term.MakeRaw(int(s.cfg.Stdin.Fd()))
		if err != nil {
			_ = ptmx.Close()
			return fmt.Errorf("supervisor: raw mode: %w", err)
		}
		stdin := s.cfg.Stdin
		s.restoreFn = func() { _ = term.Restore(int(stdin.Fd()), state) }
	}

	now := s.now().UTC()
	pid := int64(cmd.Process.Pid)
	sess := model.Session{
		SessionID: s.sessionID,
		Tool:      s.adapter.Name(),
		Label:     s.cfg.Label,
		Repo:      s.cfg.Repo,
		Cmdline:   strings.Join(argv, " "),
		PID:       &pid,
		Status:    model.SessionActive,
		StartedAt: now,
		UpdatedAt: now,
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.InsertSession(sctx, sess); err != nil {
		s.restoreTerminal()
		_ = ptmx.Close()
		return err
	}
	s.auditEvent("session_started", map[string]string{
		"session_id": s.sessionID,
		"tool":       s.adapter.Name(),
		"cmdline":    sess.Cmdline,
	})
	return nil
}

// Run drives the four session tasks until the child exits or the context
// is canceled. It always restores the supervising terminal.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cmd == nil {
		return ErrNotRunning
	}
	defer s.restoreTerminal()

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	readerDone := make(chan struct{})
	wg.Add(3)
	go func() { defer wg.Done(); defer close(readerDone); s.outputReader(tctx) }()
	go func() { defer wg.Done(); s.stallWatchdog(tctx) }()
	go func() { defer wg.Done(); s.replyInjector(tctx) }()
	if s.cfg.Stdin != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.inputRelay(tctx) }()
		s.watchResize(tctx)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- s.cmd.Wait() }()

	var runErr error
	var status model.SessionStatus
	select {
	case err := <-waitErr:
		status = model.SessionExited
		if err != nil {
			status = model.SessionFailed
			runErr = err
		}
	case <-ctx.Done():
		status = model.SessionExited
		runErr = ctx.Err()
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(s.cfg.Grace):
			_ = s.cmd.Process.Kill()
			<-waitErr
		}
	}

	// Let the output reader drain whatever the child flushed on the way
	// out, bounded by the grace period, then stop every task.
	select {
	case <-readerDone:
	case <-time.After(s.cfg.Grace):
	}
	cancel()
	_ = s.ptmx.Close()
	s.closeOnce.Do(func() { close(s.done) })
	wg.Wait()

	ectx, ecancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer ecancel()
	if err := s.store.EndSession(ectx, s.sessionID, status, s.now().UTC()); err != nil {
		s.logger.Error("end session failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}
	s.auditEvent("session_ended", map[string]string{
		"session_id": s.sessionID,
		"status":     string(status),
	})
	return runErr
}

func (s *Supervisor) restoreTerminal() {
	s.restoreOnce.Do(func() {
		if s.restoreFn != nil {
			s.restoreFn()
		}
	})
}

// outputReader pumps child output to the supervising terminal and the
// detector. Read deadlines double as the blocked-read inference: a stalled
// read after output that ends mid-line is the medium-confidence signal.
func (s *Supervisor) outputReader(ctx context.Context) {
	buf := make([]byte, readBufSize)
	blockedAfter := s.det.SilenceInterval() / 2
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.ptmx.SetReadDeadline(time.Now().Add(blockedAfter))
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			if _, werr := s.cfg.Stdout.Write(buf[:n]); werr != nil {
				s.logger.Warn("terminal echo failed", zap.Error(werr))
			}
			s.det.Observe(buf[:n])
			if res, ok := s.det.Analyze(false); ok {
				s.emitPrompt(ctx, res)
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if res, ok := s.det.Analyze(true); ok {
					s.emitPrompt(ctx, res)
				}
				continue
			}
			// EOF or closed PTY: the child is gone.
			return
		}
	}
}

// inputRelay forwards supervising-terminal keystrokes to the child. While
// the suppression window is open only bytes that begin a line pass, so a
// human cannot double-answer a prompt the injector just answered.
func (s *Supervisor) inputRelay(ctx context.Context) {
	buf := make([]byte, 1024)
	atLineStart := true
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.cfg.Stdin.SetReadDeadline(time.Now().Add(time.Second))
		n, err := s.cfg.Stdin.Read(buf)
		if n > 0 {
			out := buf[:n]
			if s.det.Suppressed() {
				out = filterLineStarts(buf[:n], &atLineStart)
			} else {
				atLineStart = endsWithNewline(buf[:n])
			}
			if len(out) > 0 {
				s.writeMu.Lock()
				_, werr := s.ptmx.Write(out)
				s.writeMu.Unlock()
				if werr != nil {
					s.logger.Warn("input relay write failed", zap.Error(werr))
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
	}
}

// stallWatchdog ticks at a quarter of the silence interval and runs the
// low-confidence silence check.
func (s *Supervisor) stallWatchdog(ctx context.Context) {
	interval := s.det.SilenceInterval() / 4
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res, ok := s.det.CheckSilence(); ok {
				s.emitPrompt(ctx, res)
			}
		}
	}
}

// replyInjector writes decided replies into the PTY and walks the prompt
// to its terminal state. On shutdown it drains the queue before exiting.
func (s *Supervisor) replyInjector(ctx context.Context) {
	for {
		select {
		case inj := <-s.injections:
			s.inject(ctx, inj)
		case <-ctx.Done():
			for {
				select {
				case inj := <-s.injections:
					s.inject(context.Background(), inj)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) inject(ctx context.Context, inj router.Injection) {
	data, err := s.adapter.Encode(inj.Type, inj.Value)
	if err != nil {
		s.failPrompt(ctx, inj.PromptID, "injection_encode_failed", err)
		return
	}

	s.writeMu.Lock()
	_ = s.ptmx.SetWriteDeadline(time.Now().Add(s.cfg.InjectTimeout))
	_, werr := s.ptmx.Write(data)
	_ = s.ptmx.SetWriteDeadline(time.Time{})
	s.writeMu.Unlock()
	if werr != nil {
		s.failPrompt(ctx, inj.PromptID, "injection_failed", werr)
		return
	}

	now := s.now().UTC()
	if err := s.transition(ctx, inj.PromptID, model.StateReplyReceived, model.StateInjected, now); err != nil {
		s.logger.Error("transition to injected failed",
			zap.String("prompt_id", inj.PromptID), zap.Error(err))
		return
	}
	s.det.MarkInjected()
	s.auditEvent("reply_injected", map[string]string{
		"prompt_id":  inj.PromptID,
		"session_id": inj.SessionID,
		"source":     string(inj.Source),
	})
	if err := s.transition(ctx, inj.PromptID, model.StateInjected, model.StateResolved, s.now().UTC()); err != nil {
		s.logger.Error("transition to resolved failed",
			zap.String("prompt_id", inj.PromptID), zap.Error(err))
		return
	}
	s.auditEvent("prompt_resolved", map[string]string{
		"prompt_id": inj.PromptID,
	})
}

func (s *Supervisor) failPrompt(ctx context.Context, promptID, kind string, cause error) {
	s.auditEvent(kind, map[string]string{
		"prompt_id": promptID,
		"error":     cause.Error(),
	})
	if err := s.transition(ctx, promptID, model.StateReplyReceived, model.StateFailed, s.now().UTC()); err != nil {
		s.logger.Error("transition to failed failed",
			zap.String("prompt_id", promptID), zap.Error(err))
	}
}

func (s *Supervisor) emitPrompt(ctx context.Context, res detect.Result) {
	now := s.now().UTC()
	ev := model.PromptEvent{
		PromptID:   s.newID(),
		SessionID:  s.sessionID,
		Nonce:      s.newID(),
		State:      model.StateCreated,
		Type:       res.Type,
		Confidence: res.Confidence,
		Signal:     res.Signal,
		Question:   res.Question,
		Options:    res.Options,
		Excerpt:    res.Excerpt,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTL),
		UpdatedAt:  now,
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err := s.store.InsertPrompt(sctx, ev)
	cancel()
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			s.logger.Debug("duplicate prompt nonce discarded", zap.String("prompt_id", ev.PromptID))
			return
		}
		s.logger.Error("insert prompt failed", zap.String("prompt_id", ev.PromptID), zap.Error(err))
		return
	}
	s.det.ResetTurn()
	s.auditEvent("prompt_detected", map[string]string{
		"prompt_id":  ev.PromptID,
		"session_id": ev.SessionID,
		"type":       string(ev.Type),
		"confidence": string(ev.Confidence),
		"signal":     string(ev.Signal),
	})
	select {
	case s.prompts <- ev:
	case <-ctx.Done():
	}
}

func (s *Supervisor) watchResize(ctx context.Context) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(winch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				if err := pty.InheritSize(s.cfg.Stdin, s.ptmx); err != nil {
					s.logger.Warn("PTY resize failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Supervisor) transition(ctx context.Context, promptID string, from, to model.PromptState, now time.Time) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.Transition(sctx, promptID, from, to, now)
}

func (s *Supervisor) auditEvent(kind string, data any) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(kind, data); err != nil {
		s.logger.Error("audit append failed", zap.String("kind", kind), zap.Error(err))
	}
}

func filterLineStarts(p []byte, atLineStart *bool) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if *atLineStart {
			out = append(out, b)
		}
		*atLineStart = b == '\n' || b == '\r'
	}
	return out
}

func endsWithNewline(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	last := p[len(p)-1]
	return last == '\n' || last == '\r'
}
