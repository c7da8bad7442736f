package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"modulex-go/internal/oauth"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Healthy(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetAuthURL returns the URL a user visits to authenticate a tool.
func (s *Server) handleGetAuthURL(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	toolName := r.URL.Query().Get("tool")
	if userID == "" || toolName == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and tool are required")
		return
	}

	authURL, err := s.authSvc.GenerateAuthURL(userID, toolName)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrProviderNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, oauth.ErrProviderNotConfigured):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeSuccess(w, map[string]string{"auth_url": authURL, "tool": toolName})
}

// handleOAuthCallback completes the provider redirect leg. The response
// is a small HTML page since a browser lands here.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")
	q := r.URL.Query()

	if provErr := q.Get("error"); provErr != "" {
		desc := q.Get("error_description")
		s.logger.Warnw("provider returned callback error", "tool", toolName, "error", provErr)
		s.writeAuthPage(w, http.StatusBadGateway, authPageData{
			Title:   "Authentication failed",
			Message: strings.TrimSpace(provErr + " " + desc),
		})
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		s.writeAuthPage(w, http.StatusBadRequest, authPageData{
			Title:   "Authentication failed",
			Message: "missing code or state parameter",
		})
		return
	}

	res, err := s.authSvc.HandleCallback(r.Context(), toolName, code, state)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, oauth.ErrInvalidState) || errors.Is(err, oauth.ErrToolMismatch) {
			status = http.StatusBadRequest
		}
		s.writeAuthPage(w, status, authPageData{
			Title:   "Authentication failed",
			Message: err.Error(),
		})
		return
	}

	s.writeAuthPage(w, http.StatusOK, authPageData{
		Title:   "Authentication successful",
		Message: "You are now connected to " + res.ToolName + ". You can close this window.",
		Success: true,
	})
}

// handleAuthFormPage serves the credential entry form for form-mode tools.
func (s *Server) handleAuthFormPage(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")
	userID := r.URL.Query().Get("user_id")

	if _, ok := s.authSvc.ManualHandler(toolName); !ok {
		s.writeAuthPage(w, http.StatusNotFound, authPageData{
			Title:   "Unknown tool",
			Message: "no form authentication is configured for " + toolName,
		})
		return
	}

	fields := []string{"api_key"}
	if info, ok := s.registry.GetToolInfo(toolName); ok && len(info.EnvVariables) > 0 {
		fields = fields[:0]
		for _, v := range info.EnvVariables {
			fields = append(fields, strings.ToLower(v.Name))
		}
	}
	s.writeFormPage(w, formPageData{Tool: toolName, UserID: userID, Fields: fields})
}

// handleAuthFormSubmit persists submitted form credentials.
func (s *Server) handleAuthFormSubmit(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form submission")
		return
	}
	userID := r.PostFormValue("user_id")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	raw := make(map[string]any)
	for key, values := range r.PostForm {
		if key == "user_id" || len(values) == 0 || values[0] == "" {
			continue
		}
		raw[key] = values[0]
	}

	if _, err := s.authSvc.ProcessManualAuth(userID, toolName, raw); err != nil {
		s.writeAuthPage(w, http.StatusBadRequest, authPageData{
			Title:   "Authentication failed",
			Message: err.Error(),
		})
		return
	}
	s.writeAuthPage(w, http.StatusOK, authPageData{
		Title:   "Authentication successful",
		Message: "Credentials for " + toolName + " were saved. You can close this window.",
		Success: true,
	})
}

// handleAuthStatus lists per-tool credential status for one user.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	activeOnly := r.URL.Query().Get("active_only") == "true"

	statuses, err := s.authSvc.ListTools(userID, activeOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"user_id": userID, "tools": statuses})
}

type toolRequest struct {
	UserID   string `json:"user_id"`
	Tool     string `json:"tool"`
	Action   string `json:"action,omitempty"`
	Active   *bool  `json:"active,omitempty"`
	Disabled *bool  `json:"disabled,omitempty"`
}

func (s *Server) decodeToolRequest(w http.ResponseWriter, r *http.Request) (*toolRequest, bool) {
	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.UserID == "" || req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and tool are required")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeToolRequest(w, r)
	if !ok {
		return
	}
	removed, err := s.authSvc.Disconnect(req.UserID, req.Tool)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"disconnected": removed})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeToolRequest(w, r)
	if !ok {
		return
	}
	if err := s.authSvc.RefreshCredentials(r.Context(), req.UserID, req.Tool); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"refreshed": true})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeToolRequest(w, r)
	if !ok {
		return
	}
	if req.Active == nil {
		s.writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	changed, err := s.authSvc.SetActive(req.UserID, req.Tool, *req.Active)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !changed {
		s.writeError(w, http.StatusNotFound, "no credentials for tool "+req.Tool)
		return
	}
	s.writeSuccess(w, map[string]any{"active": *req.Active})
}

func (s *Server) handleSetActionDisabled(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeToolRequest(w, r)
	if !ok {
		return
	}
	if req.Action == "" || req.Disabled == nil {
		s.writeError(w, http.StatusBadRequest, "action and disabled are required")
		return
	}
	changed, err := s.authSvc.SetActionDisabled(req.UserID, req.Tool, req.Action, *req.Disabled)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !changed {
		s.writeError(w, http.StatusNotFound, "no credentials for tool "+req.Tool)
		return
	}
	s.writeSuccess(w, map[string]any{"action": req.Action, "disabled": *req.Disabled})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]any{"tools": s.registry.ListTools()})
}

type executeRequest struct {
	UserID     string         `json:"user_id"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleExecute runs one tool action. Dispatcher outcomes are always
// in-band; the HTTP status only distinguishes overload from the rest.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Tool == "" || req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "user_id, tool and action are required")
		return
	}

	result := s.dispatcher.Execute(r.Context(), req.UserID, req.Tool, req.Action, req.Parameters)
	status := http.StatusOK
	if result.Busy {
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]any{
		"execution": s.dispatcher.GetStats(),
		"tools":     s.registry.ListToolNames(),
	})
}
