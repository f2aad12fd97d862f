package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/statemachine"
)

var (
	ErrDuplicate         = errors.New("duplicate")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrStaleState        = errors.New("stale state")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ---- sessions ----

func (s *Store) InsertSession(ctx context.Context, sess model.Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.StartedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, tool, label, repo, cmdline, pid, status, started_at, ended_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.SessionID, sess.Tool, sess.Label, sess.Repo, sess.Cmdline, nullableI64(sess.PID), string(sess.Status), ts(sess.StartedAt), nullableTS(sess.EndedAt), ts(sess.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, status model.SessionStatus, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, ended_at = ?, updated_at = ?
WHERE session_id = ? AND ended_at IS NULL
`, string(status), ts(endedAt), ts(endedAt), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected end session: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, tool, label, repo, cmdline, pid, status, started_at, ended_at, updated_at
FROM sessions
WHERE session_id = ?
`, sessionID)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]model.Session, error) {
	query := `
SELECT session_id, tool, label, repo, cmdline, pid, status, started_at, ended_at, updated_at
FROM sessions`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		sess      model.Session
		pid       sql.NullInt64
		status    string
		startedAt string
		endedAt   sql.NullString
		updatedAt string
	)
	if err := scanner.Scan(&sess.SessionID, &sess.Tool, &sess.Label, &sess.Repo, &sess.Cmdline, &pid, &status, &startedAt, &endedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	if pid.Valid {
		v := pid.Int64
		sess.PID = &v
	}
	var err error
	sess.StartedAt, err = parseTS(startedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session started_at: %w", err)
	}
	if endedAt.Valid {
		v, parseErr := parseTS(endedAt.String)
		if parseErr != nil {
			return model.Session{}, fmt.Errorf("parse session ended_at: %w", parseErr)
		}
		sess.EndedAt = &v
	}
	sess.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	return sess, nil
}

// ---- prompts ----

func (s *Store) InsertPrompt(ctx context.Context, p model.PromptEvent) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	optionsJSON, err := marshalOptions(p.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO prompts(prompt_id, session_id, nonce, state, prompt_type, confidence, signal, question, options, excerpt, created_at, expires_at, decided_at, reply_text, reply_from, channel_msg, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.PromptID, p.SessionID, p.Nonce, string(p.State), string(p.Type), string(p.Confidence), string(p.Signal), p.Question, optionsJSON, p.Excerpt, ts(p.CreatedAt), ts(p.ExpiresAt), nullableTS(p.DecidedAt), nullableStr(p.ReplyText), nullableReplySource(p.ReplyFrom), p.ChannelMsg, ts(p.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *Store) GetPrompt(ctx context.Context, promptID string) (model.PromptEvent, error) {
	row := s.db.QueryRowContext(ctx, promptSelect+` WHERE prompt_id = ?`, promptID)
	return scanPrompt(row)
}

func (s *Store) GetPromptByNonce(ctx context.Context, nonce string) (model.PromptEvent, error) {
	row := s.db.QueryRowContext(ctx, promptSelect+` WHERE nonce = ?`, nonce)
	return scanPrompt(row)
}

// Transition moves a prompt from one state to another under the lifecycle
// table. The write is conditional on the current state still matching
// from, so concurrent writers cannot double-apply a transition.
func (s *Store) Transition(ctx context.Context, promptID string, from, to model.PromptState, now time.Time) error {
	if !statemachine.IsLegal(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE prompts
SET state = ?, updated_at = ?
WHERE prompt_id = ? AND state = ?
`, string(to), ts(now), promptID, string(from))
	if err != nil {
		return fmt.Errorf("transition prompt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected transition: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetPrompt(ctx, promptID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return nil
}

// SetChannelMsg records the channel message token returned by Deliver.
func (s *Store) SetChannelMsg(ctx context.Context, promptID, channelMsg string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE prompts SET channel_msg = ?, updated_at = ? WHERE prompt_id = ?
`, channelMsg, ts(now), promptID)
	if err != nil {
		return fmt.Errorf("set channel_msg: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected set channel_msg: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DecidePrompt is the atomic decision guard. At most one reply ever wins
// a prompt: the winning write is a single conditional UPDATE, and every
// losing caller gets a classified outcome instead of a row change.
func (s *Store) DecidePrompt(ctx context.Context, promptID, sessionID, replyText string, source model.ReplySource, now time.Time) (model.DecisionOutcome, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE prompts
SET state = ?, reply_text = ?, reply_from = ?, decided_at = ?, updated_at = ?
WHERE prompt_id = ? AND session_id = ? AND state IN (?, ?) AND decided_at IS NULL AND expires_at > ?
`, string(model.StateReplyReceived), replyText, string(source), ts(now), ts(now), promptID, sessionID, string(model.StateRouted), string(model.StateAwaitingReply), ts(now))
	if err != nil {
		return model.DecisionUnknown, fmt.Errorf("decide prompt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return model.DecisionUnknown, fmt.Errorf("rows affected decide prompt: %w", err)
	}
	if rows == 1 {
		return model.DecisionAccepted, nil
	}
	return s.classifyDecisionLoss(ctx, promptID, sessionID, now)
}

func (s *Store) classifyDecisionLoss(ctx context.Context, promptID, sessionID string, now time.Time) (model.DecisionOutcome, error) {
	p, err := s.GetPrompt(ctx, promptID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.DecisionUnknown, nil
		}
		return model.DecisionUnknown, err
	}
	if p.SessionID != sessionID {
		return model.DecisionWrongSession, nil
	}
	if p.DecidedAt != nil || p.State.IsTerminal() || p.State == model.StateReplyReceived || p.State == model.StateInjected {
		return model.DecisionAlreadyDecided, nil
	}
	if !p.ExpiresAt.After(now) || p.State == model.StateExpired {
		return model.DecisionExpired, nil
	}
	return model.DecisionUnknown, nil
}

// LoadPending returns prompts that were in flight when the daemon last
// stopped, oldest first, so the router can resume or expire them.
func (s *Store) LoadPending(ctx context.Context) ([]model.PromptEvent, error) {
	rows, err := s.db.QueryContext(ctx, promptSelect+`
WHERE state IN ('created','routed','awaiting_reply','reply_received')
ORDER BY created_at ASC, prompt_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("load pending prompts: %w", err)
	}
	defer rows.Close()

	out := make([]model.PromptEvent, 0)
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter pending prompts: %w", err)
	}
	return out, nil
}

// SweepExpired marks every undecided prompt past its TTL as expired and
// returns the affected prompt IDs.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
SELECT prompt_id FROM prompts
WHERE state IN ('created','routed','awaiting_reply') AND expires_at <= ?
ORDER BY created_at ASC
`, ts(now))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("query expired prompts: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("scan expired prompt id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("iter expired prompts: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty sweep: %w", err)
		}
		return ids, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE prompts
SET state = 'expired', updated_at = ?
WHERE state IN ('created','routed','awaiting_reply') AND expires_at <= ?
`, ts(now), ts(now)); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("mark expired prompts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return ids, nil
}

func (s *Store) ListPromptsForSession(ctx context.Context, sessionID string) ([]model.PromptEvent, error) {
	rows, err := s.db.QueryContext(ctx, promptSelect+`
WHERE session_id = ?
ORDER BY created_at ASC, prompt_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list prompts for session: %w", err)
	}
	defer rows.Close()

	out := make([]model.PromptEvent, 0)
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter prompts for session: %w", err)
	}
	return out, nil
}

const promptSelect = `
SELECT prompt_id, session_id, nonce, state, prompt_type, confidence, signal, question, options, excerpt, created_at, expires_at, decided_at, reply_text, reply_from, channel_msg, updated_at
FROM prompts`

func scanPrompt(scanner interface{ Scan(dest ...any) error }) (model.PromptEvent, error) {
	var (
		p           model.PromptEvent
		state       string
		promptType  string
		confidence  string
		signal      string
		optionsJSON string
		createdAt   string
		expiresAt   string
		decidedAt   sql.NullString
		replyText   sql.NullString
		replyFrom   sql.NullString
		updatedAt   string
	)
	if err := scanner.Scan(&p.PromptID, &p.SessionID, &p.Nonce, &state, &promptType, &confidence, &signal, &p.Question, &optionsJSON, &p.Excerpt, &createdAt, &expiresAt, &decidedAt, &replyText, &replyFrom, &p.ChannelMsg, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PromptEvent{}, ErrNotFound
		}
		return model.PromptEvent{}, fmt.Errorf("scan prompt: %w", err)
	}
	p.State = model.PromptState(state)
	p.Type = model.PromptType(promptType)
	p.Confidence = model.Confidence(confidence)
	p.Signal = model.Signal(signal)
	var err error
	p.Options, err = unmarshalOptions(optionsJSON)
	if err != nil {
		return model.PromptEvent{}, fmt.Errorf("decode prompt options: %w", err)
	}
	p.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.PromptEvent{}, fmt.Errorf("parse prompt created_at: %w", err)
	}
	p.ExpiresAt, err = parseTS(expiresAt)
	if err != nil {
		return model.PromptEvent{}, fmt.Errorf("parse prompt expires_at: %w", err)
	}
	if decidedAt.Valid {
		v, parseErr := parseTS(decidedAt.String)
		if parseErr != nil {
			return model.PromptEvent{}, fmt.Errorf("parse prompt decided_at: %w", parseErr)
		}
		p.DecidedAt = &v
	}
	if replyText.Valid {
		v := replyText.String
		p.ReplyText = &v
	}
	if replyFrom.Valid {
		p.ReplyFrom = model.ReplySource(replyFrom.String)
	}
	p.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.PromptEvent{}, fmt.Errorf("parse prompt updated_at: %w", err)
	}
	return p, nil
}

// ---- settings ----

func (s *Store) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`, key, value, ts(now))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// ---- helpers ----

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableReplySource(v model.ReplySource) any {
	source := strings.TrimSpace(string(v))
	if source == "" {
		return nil
	}
	return source
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func marshalOptions(options []string) (string, error) {
	if len(options) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	return string(buf), nil
}

func unmarshalOptions(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if text == "" || text == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return values, nil
}
