// Package api holds the wire types of the daemon's control surface. Every
// response carries schema_version and generated_at so clients can detect
// drift across daemon upgrades.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SessionResponse struct {
	SessionID string     `json:"session_id"`
	Tool      string     `json:"tool"`
	Label     string     `json:"label,omitempty"`
	Repo      string     `json:"repo,omitempty"`
	Cmdline   string     `json:"cmdline"`
	PID       *int64     `json:"pid,omitempty"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Sessions      []SessionResponse `json:"sessions"`
}

type PromptResponse struct {
	PromptID   string    `json:"prompt_id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Confidence string    `json:"confidence"`
	Signal     string    `json:"signal"`
	Question   string    `json:"question,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	ReplyFrom  string    `json:"reply_source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type PromptsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Prompts       []PromptResponse `json:"prompts"`
}

type StatusResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	PID             int       `json:"pid"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ActiveSessions  int       `json:"active_sessions"`
	PendingPrompts  int       `json:"pending_prompts"`
	AutopilotMode   string    `json:"autopilot_mode"`
	AutopilotPaused bool      `json:"autopilot_paused"`
	PolicyHash      string    `json:"policy_hash,omitempty"`
}

type AutopilotRequest struct {
	Mode   string `json:"mode,omitempty"`
	Paused *bool  `json:"paused,omitempty"`
}

type AutopilotResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Mode          string    `json:"mode"`
	Paused        bool      `json:"paused"`
}
