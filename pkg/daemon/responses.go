package daemon

import "time"

// PingResponse is the response of lifecycle ping().
type PingResponse struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the response of lifecycle get_status().
type StatusResponse struct {
	Version    string `json:"version"`
	Hostname   string `json:"hostname"`
	UptimeSecs int64  `json:"uptime_seconds"`
	AgentCount int    `json:"agent_count"`
	Health     string `json:"health"`
}

// AgentResponse is the wire shape of an Agent, returned by spawn_agent,
// get_agent, and list_agents.
type AgentResponse struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	SessionName string     `json:"session_name"`
	Adapter     string     `json:"adapter"`
	Command     string     `json:"command"`
	Args        []string   `json:"args"`
	WorkingDir  string     `json:"working_dir"`
	PaneID      string     `json:"pane_id"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

func agentToResponse(a *Agent) AgentResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentResponse{
		ID:          a.ID,
		WorkspaceID: a.WorkspaceID,
		SessionName: a.SessionName,
		Adapter:     a.Adapter,
		Command:     a.Command,
		Args:        a.Args,
		WorkingDir:  a.WorkingDir,
		PaneID:      a.PaneID,
		State:       a.State,
		StartedAt:   a.StartedAt,
		ExitedAt:    a.ExitedAt,
		ExitCode:    a.ExitCode,
	}
}

// CapturePaneResponse is the response of capture_pane.
type CapturePaneResponse struct {
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}

// TranscriptLineResponse is one entry in get_transcript's response.
type TranscriptLineResponse struct {
	Cursor int64     `json:"cursor"`
	At     time.Time `json:"at"`
	Text   string    `json:"text"`
}

// TranscriptResponse is the response of get_transcript.
type TranscriptResponse struct {
	Lines []TranscriptLineResponse `json:"lines"`
}
