package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"master-session-service/internal/events"
	"master-session-service/internal/models"
	"master-session-service/internal/service"
	"master-session-service/internal/util"
)

// AuthHandler handles HTTP requests for master sessions, security events
// and alerts
type AuthHandler struct {
	gateway    *service.AuthGateway
	eventLog   *events.SecurityEventLog
	alertStore events.AlertStore
	logger     *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	gateway *service.AuthGateway,
	eventLog *events.SecurityEventLog,
	alertStore events.AlertStore,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		gateway:    gateway,
		eventLog:   eventLog,
		alertStore: alertStore,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	router.Route("/sessions", func(r chi.Router) {
		r.Post("/{sessionID}/touch", h.Touch)
		r.Get("/{sessionID}/validate", h.Validate)
	})

	router.Route("/events", func(r chi.Router) {
		r.Get("/", h.QueryEvents)
		r.Get("/stats", h.EventStats)
	})

	router.Post("/alerts/{alertID}/ack", h.AcknowledgeAlert)
}

// LoginRequest is the master login payload
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

// LoginResponse carries the session and the one-time plaintext token.
type LoginResponse struct {
	Session *models.Session `json:"session"`
	Token   string          `json:"token"`
}

// Login handles master operator login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Identifier == "" || req.Credential == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("identifier and credential are required"), "Missing credentials")
		return
	}

	result, err := h.gateway.Login(ctx, req.Identifier, req.Credential, requestContext(r))
	if err != nil {
		var lockedErr *service.AccountLockedError
		if errors.As(err, &lockedErr) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lockedErr.RetryAfter)))
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	session := sanitizeSession(result.Session)
	h.respondWithJSON(w, http.StatusOK, successResponse(LoginResponse{
		Session: session,
		Token:   result.Token,
	}, "Login successful"))

	h.logger.Info("Master login via HTTP",
		util.String("session_id", session.SessionID),
		util.String("user_id", session.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// LogoutRequest identifies the session to end
type LogoutRequest struct {
	SessionID string `json:"session_id"`
}

// Logout handles master operator logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("session_id is required"), "Missing session id")
		return
	}

	if err := h.gateway.Logout(ctx, req.SessionID, requestContext(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logout successful"))
	h.logger.Info("Master logout via HTTP",
		util.String("session_id", req.SessionID),
		util.String("method", "Logout"),
	)
}

// Touch records activity on a session and slides its deadline
func (h *AuthHandler) Touch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.gateway.Touch(ctx, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record activity")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sanitizeSession(session), "Activity recorded"))
}

// Validate reports whether a session is currently live
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.gateway.Validate(ctx, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Session is not valid")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sanitizeSession(session), "Session is valid"))
}

// QueryEvents returns buffered security events, newest first
func (h *AuthHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.EventFilter{
		EventType: r.URL.Query().Get("type"),
		Level:     r.URL.Query().Get("level"),
		UserID:    r.URL.Query().Get("user_id"),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondWithError(w, http.StatusBadRequest,
				errors.New("limit must be a non-negative integer"), "Invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		filter.Since = since
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid until timestamp")
			return
		}
		filter.Until = until
	}

	eventList := h.eventLog.Query(filter)
	h.respondWithJSON(w, http.StatusOK, successResponse(eventList, "Events retrieved"))
}

// EventStats returns aggregated counts over a rolling window
func (h *AuthHandler) EventStats(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "24h"
	}

	stats, err := h.eventLog.Stats(window)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid statistics window")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Statistics computed"))
}

// AckRequest names the operator acknowledging an alert
type AckRequest struct {
	AckedBy string `json:"acked_by"`
}

// AcknowledgeAlert marks a security alert as handled
func (h *AuthHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.alertStore == nil {
		h.respondWithError(w, http.StatusServiceUnavailable,
			errors.New("alert store unavailable"), "Alert store unavailable")
		return
	}

	alertID := chi.URLParam(r, "alertID")

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.AckedBy == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("acked_by is required"), "Missing acknowledger")
		return
	}

	if err := h.alertStore.Acknowledge(ctx, alertID, req.AckedBy); err != nil {
		h.respondWithError(w, http.StatusBadGateway, err, "Failed to acknowledge alert")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Alert acknowledged"))
}

// sanitizeSession strips the encrypted token blob before responding.
func sanitizeSession(session *models.Session) *models.Session {
	clean := *session
	clean.SessionToken = ""
	return &clean
}

func requestContext(r *http.Request) models.RequestContext {
	return models.RequestContext{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrStorageUnavailable), errors.Is(err, service.ErrVerifierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
