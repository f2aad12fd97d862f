// Package daemon hosts the long-running side of atlasbridge: the unix
// socket control API, the pidfile lock, and the prompt sweeper. One daemon
// per state directory; a second start fails fast on the pidfile lock.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/api"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/session"
)

const Version = "0.3.0"

type Server struct {
	cfg      config.Config
	store    *db.Store
	sessions *session.Manager
	engine   *autopilot.Engine
	policies autopilot.PolicyProvider
	logger   *zap.Logger

	httpSrv   *http.Server
	listener  net.Listener
	pidFile   *os.File
	startedAt time.Time

	// stopRequested is closed when a client posts /v1/stop; the process
	// main loop treats it like SIGTERM.
	stopOnce      sync.Once
	stopRequested chan struct{}

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, sessions *session.Manager, engine *autopilot.Engine, policies autopilot.PolicyProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:           cfg,
		store:         store,
		sessions:      sessions,
		engine:        engine,
		policies:      policies,
		logger:        logger,
		startedAt:     time.Now(),
		stopRequested: make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionPromptsHandler)
	mux.HandleFunc("/v1/autopilot", s.autopilotHandler)
	mux.HandleFunc("/v1/stop", s.stopHandler)
	return s
}

// StopRequested is closed once a client asks the daemon to exit.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stopRequested
}

// Start acquires the pidfile, binds the socket, and serves until the
// context is canceled or Serve fails.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquirePIDFile(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releasePIDFile() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releasePIDFile() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releasePIDFile() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releasePIDFile() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()         //nolint:errcheck
		s.releasePIDFile() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("control api listening", zap.String("socket", s.cfg.SocketPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		s.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := s.releasePIDFile(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Version:       Version,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	pending, err := s.store.LoadPending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "load pending prompts failed")
		return
	}
	resp := api.StatusResponse{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     time.Now().UTC(),
		PID:             os.Getpid(),
		UptimeSeconds:   int64(time.Since(s.startedAt) / time.Second),
		ActiveSessions:  len(s.sessions.IDs()),
		PendingPrompts:  len(pending),
		AutopilotMode:   string(s.engine.Mode()),
		AutopilotPaused: s.engine.Paused(),
	}
	if s.policies != nil {
		if p := s.policies.Current(); p != nil {
			resp.PolicyHash = p.Hash
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	sessions, err := s.store.ListSessions(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "list sessions failed")
		return
	}
	out := api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      make([]api.SessionResponse, 0, len(sessions)),
	}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, api.SessionResponse{
			SessionID: sess.SessionID,
			Tool:      sess.Tool,
			Label:     sess.Label,
			Repo:      sess.Repo,
			Cmdline:   sess.Cmdline,
			PID:       sess.PID,
			Status:    string(sess.Status),
			StartedAt: sess.StartedAt,
			EndedAt:   sess.EndedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// sessionPromptsHandler serves /v1/sessions/{id}/prompts.
func (s *Server) sessionPromptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "prompts" {
		s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session route not found")
		return
	}
	sessionID := parts[0]
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "get session failed")
		return
	}
	prompts, err := s.store.ListPromptsForSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "list prompts failed")
		return
	}
	out := api.PromptsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Prompts:       make([]api.PromptResponse, 0, len(prompts)),
	}
	for _, p := range prompts {
		pr := api.PromptResponse{
			PromptID:   p.PromptID,
			SessionID:  p.SessionID,
			Type:       string(p.Type),
			State:      string(p.State),
			Confidence: string(p.Confidence),
			Signal:     string(p.Signal),
			Question:   p.Question,
			Excerpt:    p.Excerpt,
			ReplyFrom:  string(p.ReplyFrom),
			CreatedAt:  p.CreatedAt,
			ExpiresAt:  p.ExpiresAt,
		}
		if p.ReplyText != nil {
			pr.Decision = *p.ReplyText
		}
		out.Prompts = append(out.Prompts, pr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) autopilotHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req api.AutopilotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRequestInvalid, "invalid request body")
			return
		}
		if req.Mode != "" {
			mode := model.AutopilotMode(req.Mode)
			switch mode {
			case model.AutopilotOff, model.AutopilotAssist, model.AutopilotFull:
			default:
				s.writeError(w, http.StatusBadRequest, model.ErrRequestInvalid, "unknown autopilot mode")
				return
			}
			if err := s.engine.SetMode(r.Context(), mode); err != nil {
				s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "persist mode failed")
				return
			}
		}
		if req.Paused != nil {
			var err error
			if *req.Paused {
				err = s.engine.Pause(r.Context())
			} else {
				err = s.engine.Resume(r.Context())
			}
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, model.ErrStorageFatal, "persist pause state failed")
				return
			}
		}
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AutopilotResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Mode:          string(s.engine.Mode()),
		Paused:        s.engine.Paused(),
	})
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.stopOnce.Do(func() { close(s.stopRequested) })
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRequestInvalid, "method not allowed")
}

// acquirePIDFile takes an exclusive flock on daemon.pid and writes this
// process id into it. The lock, not the content, is the liveness signal;
// the content exists for humans and stop-by-pid.
func (s *Server) acquirePIDFile() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.PIDPath), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(s.cfg.PIDPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open pidfile: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running (pidfile %s locked)", s.cfg.PIDPath)
	}
	if err := f.Truncate(0); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("truncate pidfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write pidfile: %w", err)
	}
	s.mu.Lock()
	s.pidFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releasePIDFile() error {
	s.mu.Lock()
	f := s.pidFile
	s.pidFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	_ = os.Remove(s.cfg.PIDPath)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
