package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harun/nebula/internal/tracing"
	"github.com/harun/nebula/pkg/agent"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/toolserver"
)

func errorBody(message string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": message}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		status = http.StatusInternalServerError
		data, _ = json.Marshal(errorBody(internalErrorMessage))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	if ae.status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", ae.status).Str("path", r.URL.Path).Msg("Request rejected")
	}
	s.writeJSON(w, ae.status, errorBody(ae.message))
}

// decodeBody reads a bounded JSON body into dst. An empty body decodes as {}.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apiError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return badRequest("failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.runner.Turn(r.Context(), agent.TurnRequest{
		SessionID:    strings.TrimSpace(req.SessionID),
		Message:      req.Message,
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		EnableTools:  req.EnableTools,
		IncludeRaw:   req.IncludeRaw,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	toolCalls := result.ToolCalls
	if toolCalls == nil {
		toolCalls = []session.ToolCall{}
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		OK:               true,
		SessionID:        result.SessionID,
		Assistant:        assistantReply{Content: result.Content, ToolCalls: toolCalls},
		LoopLimitReached: result.LoopLimitReached,
		Failed:           result.Failed,
		Raw:              result.Raw,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "sessions": summaries})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateParams{
		Title:        strings.TrimSpace(req.Title),
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.runner.Append(r.Context(), r.PathValue("id"), session.Message{
		Role:       req.Role,
		Content:    req.Content,
		ToolCallID: req.ToolCallID,
		ToolCalls:  req.ToolCalls,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "message": msg})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "skills": s.skills.Descriptors()})
}

func (s *Server) handleRunSkill(w http.ResponseWriter, r *http.Request) {
	var req runSkillRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, r, badRequest("skill name is required"))
		return
	}
	if !s.skills.Has(name) {
		s.writeError(w, r, notFound(fmt.Sprintf("unknown skill: %s", name)))
		return
	}

	result := s.skills.Run(r.Context(), name, req.Args)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	servers := s.toolServers.List()
	if servers == nil {
		servers = []toolserver.Server{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "servers": servers})
}

func (s *Server) handleCreateToolServer(w http.ResponseWriter, r *http.Request) {
	var req toolserver.CreateParams
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	srv, err := s.toolServers.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "server": srv})
}

func (s *Server) handleDeleteToolServer(w http.ResponseWriter, r *http.Request) {
	if err := s.toolServers.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListRemoteTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.toolServers.ListTools(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "tools": tools})
}

func (s *Server) handleCallRemoteTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, r, badRequest("tool name is required"))
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]interface{}{}
	}

	result, err := s.toolServers.CallTool(r.Context(), r.PathValue("id"), name, req.Arguments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	status := statusResponse{
		OK:            true,
		Message:       "Nebula is running",
		ServerTime:    now.UTC(),
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		NotesCount:    s.notes.Count(),
		SessionsCount: s.sessions.Count(),
		EventClients:  s.events.ClientCount(),
	}
	if s.model != nil {
		status.Provider = s.model.Provider()
		status.ModelConfigured = s.model.Configured()
	}
	if s.queue != nil {
		stats := s.queue.Stats()
		status.PendingTurns = stats.Pending
		status.RunningTurns = stats.Running
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "notes": s.notes.List(r.Context())})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Add(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "note": note})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "status": "ok"})
}

func (s *Server) handleUnknownAPI(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, notFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
}
