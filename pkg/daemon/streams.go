package daemon

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// defaultPaneUpdateInterval bounds how often stream_pane_updates polls the
// pane for a changed snapshot when the caller's min_interval is unset.
const defaultPaneUpdateInterval = 500 * time.Millisecond

// transcriptPollInterval bounds how often stream_transcript polls the
// agent's capture buffer for new lines.
const transcriptPollInterval = 200 * time.Millisecond

// acceptStream upgrades an HTTP request to a WebSocket connection with the
// same permissive origin policy as the teacher's handler_ws.go — origin
// validation is an operator-deployment concern out of scope for this spec.
func acceptStream(c *gin.Context) (*websocket.Conn, error) {
	return websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
}

func writeStreamJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamPaneUpdatesHandler serves stream_pane_updates(agent_id,
// include_content, last_known_hash?, min_interval?). Per spec §5, this
// stream is the explicit exception to backpressure: rather than queuing
// every intermediate pane state, it polls and coalesces to the latest
// snapshot, sending only when the content hash changes from what the
// client last acknowledged.
func (s *Server) streamPaneUpdatesHandler(c *gin.Context) {
	agentID := c.Param("id")
	includeContent := c.Query("include_content") != "false"
	lastKnownHash := c.Query("last_known_hash")
	interval := defaultPaneUpdateInterval
	if ms, err := strconv.Atoi(c.Query("min_interval_ms")); err == nil && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	if _, err := s.agents.Get(agentID); err != nil {
		writeError(c, s.logger, err)
		return
	}

	conn, err := acceptStream(c)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.agents.CapturePane(agentID, 0, false)
			if err != nil {
				_ = writeStreamJSON(ctx, conn, map[string]any{"type": "error", "message": err.Error()})
				return
			}
			if res.ContentHash == lastKnownHash {
				continue
			}
			lastKnownHash = res.ContentHash
			msg := map[string]any{
				"type":         "pane_update",
				"agent_id":     agentID,
				"content_hash": res.ContentHash,
				"captured_at":  res.CapturedAt,
			}
			if includeContent {
				msg["content"] = res.Content
			}
			if err := writeStreamJSON(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// streamEventsHandler serves stream_events(cursor, types?, agent_ids?,
// workspace_ids?): replays the backlog after cursor, then forwards live
// events matching the filter until the client disconnects.
func (s *Server) streamEventsHandler(c *gin.Context) {
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	types := splitCSV(c.Query("types"))
	agentIDs := splitCSV(c.Query("agent_ids"))
	workspaceIDs := splitCSV(c.Query("workspace_ids"))

	conn, err := acceptStream(c)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()

	for _, e := range s.bus.Since(cursor, types, nil, workspaceIDs) {
		if len(agentIDs) > 0 && !contains(agentIDs, e.AgentID) {
			continue
		}
		if err := writeStreamJSON(ctx, conn, e); err != nil {
			return
		}
	}

	ch, unsubscribe := s.bus.Subscribe(types, nil, workspaceIDs)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(agentIDs) > 0 && !contains(agentIDs, e.AgentID) {
				continue
			}
			if err := writeStreamJSON(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

// streamTranscriptHandler serves stream_transcript(agent_id, cursor): polls
// the agent's capture buffer for lines appended after cursor and forwards
// them in order, advancing cursor as it goes.
func (s *Server) streamTranscriptHandler(c *gin.Context) {
	agentID := c.Param("id")
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)

	if _, err := s.agents.Get(agentID); err != nil {
		writeError(c, s.logger, err)
		return
	}

	conn, err := acceptStream(c)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	ticker := time.NewTicker(transcriptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lines, next, err := s.agents.TranscriptSince(agentID, cursor)
			if err != nil {
				_ = writeStreamJSON(ctx, conn, map[string]any{"type": "error", "message": err.Error()})
				return
			}
			cursor = next
			for _, l := range lines {
				msg := map[string]any{
					"type":     "transcript_line",
					"agent_id": agentID,
					"cursor":   l.seq,
					"at":       l.at,
					"text":     l.text,
				}
				if err := writeStreamJSON(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
