package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/auth"
	"github.com/alim08/fin_advisor/pkg/chat"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/quotecache"
	"github.com/alim08/fin_advisor/pkg/quotesource"
	"github.com/alim08/fin_advisor/pkg/validation"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type chatResponse struct {
	Reply       models.Message `json:"reply"`
	Degraded    bool           `json:"degraded"`
	Unavailable []string       `json:"unavailable,omitempty"`
}

type interactionRequest struct {
	Symbol string `json:"symbol" validate:"required"`
	Kind   string `json:"kind" validate:"required"`
}

type profileRequest struct {
	RiskTolerance   string `json:"riskTolerance" validate:"required"`
	ExperienceLevel string `json:"experienceLevel" validate:"required"`
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("JSON encoding error", zap.Error(err))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{Success: false, Error: message})
}

func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	s.writeJSON(w, status, Response{Success: true, Data: data})
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	if errs := validation.ValidateStruct(v); len(errs) > 0 {
		s.writeJSON(w, http.StatusBadRequest, Response{Error: "Validation failed", Details: errs})
		return false
	}
	return true
}

func userID(r *http.Request) string {
	if c, ok := auth.GetUserFromContext(r.Context()); ok {
		return c.Subject()
	}
	return ""
}

func parseLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// authorizeSession lets a user write to a session they own or to a new one.
// It rejects known mismatches early; the turn itself makes the final call
// once it runs in the session's lane.
func (s *Server) authorizeSession(ctx context.Context, sessionID, user string) error {
	owner, err := s.history.Owner(ctx, sessionID)
	switch {
	case errors.Is(err, history.ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner != user:
		return history.ErrForbidden
	}
	return nil
}

// healthHandler returns server health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = "unhealthy"
			healthy = false
			continue
		}
		status[name] = "healthy"
	}

	code, overall := http.StatusOK, "healthy"
	if !healthy {
		code, overall = http.StatusServiceUnavailable, "degraded"
	}
	s.writeJSON(w, code, Response{
		Success: healthy,
		Data: map[string]interface{}{
			"status":       overall,
			"timestamp":    time.Now().Unix(),
			"dependencies": status,
		},
	})
}

// chatHandler runs one turn and waits for its reply.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessage
	if !s.decode(w, r, &req) {
		return
	}
	user := userID(r)
	if err := s.authorizeSession(r.Context(), req.SessionID, user); err != nil {
		s.writeSessionError(w, err)
		return
	}

	res, err := s.chat.HandleMessage(r.Context(), chat.Inbound{
		SessionID: req.SessionID,
		UserID:    user,
		Text:      req.Text,
	})
	switch {
	case errors.Is(err, chat.ErrSessionBusy):
		s.writeError(w, http.StatusTooManyRequests, "Session has too many pending messages")
		return
	case errors.Is(err, chat.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	case errors.Is(err, history.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "Access denied")
		return
	case errors.Is(err, chat.ErrOwnerUnknown):
		s.log.Error("session owner lookup failed", zap.String("session", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "Chat history unavailable")
		return
	case errors.Is(err, chat.ErrPersistence):
		s.log.Error("chat turn not persisted", zap.String("session", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to save message")
		return
	case err != nil:
		s.writeError(w, http.StatusGatewayTimeout, "Request cancelled")
		return
	}
	s.writeData(w, http.StatusOK, chatResponse{
		Reply:       res.Reply,
		Degraded:    res.Degraded(),
		Unavailable: res.Unavailable,
	})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, history.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Session not found")
	default:
		s.log.Error("session lookup failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "Chat history unavailable")
	}
}

// sessionMessagesHandler returns the last messages of a session the caller owns.
func (s *Server) sessionMessagesHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	owner, err := s.history.Owner(r.Context(), sessionID)
	if err == nil && owner != userID(r) {
		err = history.ErrForbidden
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	msgs, err := s.history.GetRecentMessages(r.Context(), sessionID, parseLimit(r, s.replayLimit, 200))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, models.HistoryReplay{SessionID: sessionID, Messages: msgs})
}

func (s *Server) recommendationsHandler(w http.ResponseWriter, r *http.Request) {
	recs := s.engine.Recommend(r.Context(), userID(r), parseLimit(r, s.recommendLimit, 50))
	if recs == nil {
		recs = []models.Recommendation{}
	}
	s.writeData(w, http.StatusOK, recs)
}

func (s *Server) interactionsHandler(w http.ResponseWriter, r *http.Request) {
	out := s.engine.Interactions(userID(r))
	if out == nil {
		out = []models.Interaction{}
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) recordInteractionHandler(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := models.ParseInteractionKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbol := validation.NormalizeSymbol(req.Symbol)
	if err := s.engine.RecordInteraction(r.Context(), userID(r), symbol, kind); err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeJSON(w, http.StatusBadRequest, Response{Error: "Validation failed", Details: verrs})
			return
		}
		s.log.Error("failed to record interaction", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "Failed to record interaction")
		return
	}
	s.writeData(w, http.StatusCreated, map[string]string{"symbol": symbol, "kind": string(kind)})
}

func (s *Server) popularHandler(w http.ResponseWriter, r *http.Request) {
	out := s.engine.Popular(parseLimit(r, 10, 100))
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	p, ok := s.engine.Profile(user)
	if !ok {
		p = models.DefaultProfile(user)
	}
	s.writeData(w, http.StatusOK, p)
}

func (s *Server) putProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := models.UserProfile{
		UserID:          userID(r),
		RiskTolerance:   models.RiskTolerance(strings.ToLower(req.RiskTolerance)),
		ExperienceLevel: models.ExperienceLevel(strings.ToLower(req.ExperienceLevel)),
	}
	if err := s.engine.SetProfile(r.Context(), p); err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeJSON(w, http.StatusBadRequest, Response{Error: "Validation failed", Details: verrs})
			return
		}
		s.log.Error("failed to save profile", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "Failed to save profile")
		return
	}
	if s.profiles != nil {
		if err := s.profiles.UpsertUserProfile(r.Context(), p); err != nil {
			s.log.Warn("profile not mirrored to relational store", zap.String("user", p.UserID), zap.Error(err))
		}
	}
	s.writeData(w, http.StatusOK, p)
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	symbol := validation.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if !validation.IsTicker(symbol) {
		s.writeError(w, http.StatusBadRequest, "Invalid symbol")
		return
	}
	if s.quotes == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Quotes are not configured")
		return
	}
	e, err := s.quotes.Get(r.Context(), symbol)
	switch {
	case errors.Is(err, quotesource.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Unknown symbol")
	case errors.Is(err, quotecache.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "Quote unavailable")
	case err != nil:
		s.writeError(w, http.StatusGatewayTimeout, "Request cancelled")
	default:
		s.writeData(w, http.StatusOK, e)
	}
}
