package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgehq/forge/pkg/version"
)

// pingHandler serves lifecycle ping() → (version, timestamp).
func (s *Server) pingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, PingResponse{Version: version.Full(), Timestamp: time.Now()})
}

// statusHandler serves lifecycle get_status() → (version, hostname, uptime, agent_count, health).
func (s *Server) statusHandler(c *gin.Context) {
	health := "healthy"
	if err := s.store.DB().PingContext(c.Request.Context()); err != nil {
		health = "unhealthy"
	}
	c.JSON(http.StatusOK, StatusResponse{
		Version:    version.Full(),
		Hostname:   s.hostname,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
		AgentCount: len(s.agents.List(AgentFilter{})),
		Health:     health,
	})
}

// spawnAgentHandler serves spawn_agent(...) → (agent, pane_id). Duplicate
// agent_id fails already-exists; missing agent_id fails invalid-argument
// (spec §4.5), both surfaced through writeError's classification.
func (s *Server) spawnAgentHandler(c *gin.Context) {
	var req SpawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	a, err := s.agents.Spawn(req)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(a))
}

// killAgentHandler serves kill_agent(id, force, grace_period?).
func (s *Server) killAgentHandler(c *gin.Context) {
	var req KillAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	grace := time.Duration(req.GracePeriodMillis) * time.Millisecond
	if err := s.agents.Kill(c.Param("id"), req.Force, grace); err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sendInputHandler serves send_input(id, text, send_enter, keys[]).
func (s *Server) sendInputHandler(c *gin.Context) {
	var req SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.agents.SendInput(c.Param("id"), req.Text, req.SendEnter, req.Keys); err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listAgentsHandler serves list_agents({workspace_id?, states?}).
func (s *Server) listAgentsHandler(c *gin.Context) {
	filter := AgentFilter{
		WorkspaceID: c.Query("workspace_id"),
		States:      splitCSV(c.Query("states")),
	}
	agents := s.agents.List(filter)
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// getAgentHandler serves get_agent(id).
func (s *Server) getAgentHandler(c *gin.Context) {
	a, err := s.agents.Get(c.Param("id"))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(a))
}

// capturePaneHandler serves capture_pane(id, lines, include_escapes?) → (content_hash, captured_at).
func (s *Server) capturePaneHandler(c *gin.Context) {
	lines, _ := strconv.Atoi(c.Query("lines"))
	includeEscapes := c.Query("include_escapes") == "true"
	res, err := s.agents.CapturePane(c.Param("id"), lines, includeEscapes)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, CapturePaneResponse{
		Content:     res.Content,
		ContentHash: res.ContentHash,
		CapturedAt:  res.CapturedAt,
	})
}

// getTranscriptHandler serves get_transcript(agent_id, start?, end?, limit).
func (s *Server) getTranscriptHandler(c *gin.Context) {
	start := parseQueryTime(c.Query("start"))
	end := parseQueryTime(c.Query("end"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	lines, err := s.agents.GetTranscript(c.Param("id"), start, end, limit)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	out := make([]TranscriptLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, TranscriptLineResponse{Cursor: l.seq, At: l.at, Text: l.text})
	}
	c.JSON(http.StatusOK, TranscriptResponse{Lines: out})
}

func parseQueryTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// startLoopRunnerHandler serves start_loop_runner(loop_id, config_path, command_path) → runner.
func (s *Server) startLoopRunnerHandler(c *gin.Context) {
	var req StartLoopRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.LoopID == "" {
		req.LoopID = c.Param("loop_id")
	}
	if _, err := s.store.Loops.Get(c.Request.Context(), req.LoopID); err != nil {
		writeError(c, s.logger, err)
		return
	}
	status, err := s.loopRunners.Start(req)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// stopLoopRunnerHandler serves stop_loop_runner(loop_id, force).
func (s *Server) stopLoopRunnerHandler(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := s.loopRunners.Stop(c.Param("loop_id"), force); err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getLoopRunnerHandler serves get_loop_runner(loop_id).
func (s *Server) getLoopRunnerHandler(c *gin.Context) {
	status, err := s.loopRunners.Get(c.Param("loop_id"))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// listLoopRunnersHandler serves list_loop_runners().
func (s *Server) listLoopRunnersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": s.loopRunners.List()})
}
