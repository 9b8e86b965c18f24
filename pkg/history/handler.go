package history

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const (
	// maxRequestBytes caps the size of an append request body.
	maxRequestBytes = 1 << 20

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"

	// slogKeySession is the slog attribute key for session ids.
	slogKeySession = "session_id"
)

// messagesResponse is returned by GET /sessions/{id}/messages.
type messagesResponse struct {
	Messages      []Message `json:"messages"`
	SessionID     string    `json:"session_id"`
	TotalMessages int       `json:"total_messages"`
}

// appendRequest is the body of POST /sessions/{id}/messages.
type appendRequest struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// appendResponse is returned by POST /sessions/{id}/messages.
type appendResponse struct {
	Status        string `json:"status"`
	SessionID     string `json:"session_id"`
	TotalMessages int    `json:"total_messages"`
}

// infoResponse is returned by GET /sessions/{id}/info.
type infoResponse struct {
	SessionID    string     `json:"session_id"`
	MessageCount int        `json:"message_count"`
	TTLSeconds   int64      `json:"ttl_seconds"`
	LastActivity *time.Time `json:"last_activity"`
	Active       bool       `json:"active"`
}

// deleteResponse is returned by DELETE /sessions/{id}.
type deleteResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// listResponse is returned by GET /sessions.
type listResponse struct {
	Sessions []string `json:"sessions"`
	Total    int      `json:"total"`
}

// Handler exposes a Store over HTTP.
type Handler struct {
	mux   *http.ServeMux
	store Store
}

// NewHandler creates a handler serving the session history API.
func NewHandler(store Store) *Handler {
	h := &Handler{
		mux:   http.NewServeMux(),
		store: store,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all session routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /sessions", h.listSessions)
	h.mux.HandleFunc("GET /sessions/{id}/messages", h.readMessages)
	h.mux.HandleFunc("POST /sessions/{id}/messages", h.appendMessage)
	h.mux.HandleFunc("GET /sessions/{id}/info", h.sessionInfo)
	h.mux.HandleFunc("DELETE /sessions/{id}", h.deleteSession)
}

// readMessages handles GET /sessions/{id}/messages. Pass order=desc for
// newest-first.
func (h *Handler) readMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	messages, err := h.store.Read(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, id, "read", err)
		return
	}

	if messages == nil {
		messages = []Message{}
	}
	if r.URL.Query().Get("order") == "desc" {
		slices.Reverse(messages)
	}

	writeJSON(w, http.StatusOK, messagesResponse{
		Messages:      messages,
		SessionID:     id,
		TotalMessages: len(messages),
	})
}

// appendMessage handles POST /sessions/{id}/messages.
func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req appendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count, err := h.store.Append(r.Context(), id, Message(req))
	if err != nil {
		h.writeStoreError(w, id, "append", err)
		return
	}

	slog.Debug("history: message appended", slogKeySession, id, "total_messages", count)
	writeJSON(w, http.StatusOK, appendResponse{
		Status:        "success",
		SessionID:     id,
		TotalMessages: count,
	})
}

// sessionInfo handles GET /sessions/{id}/info.
func (h *Handler) sessionInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	info, err := h.store.Info(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, id, "info", err)
		return
	}

	writeJSON(w, http.StatusOK, infoResponse{
		SessionID:    id,
		MessageCount: info.MessageCount,
		TTLSeconds:   int64(info.TTL / time.Second),
		LastActivity: info.LastActivity,
		Active:       info.Active(),
	})
}

// deleteSession handles DELETE /sessions/{id}.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		h.writeStoreError(w, id, "delete", err)
		return
	}

	slog.Debug("history: session deleted", slogKeySession, id)
	writeJSON(w, http.StatusOK, deleteResponse{Status: "success", SessionID: id})
}

// listSessions handles GET /sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.List(r.Context())
	if err != nil {
		h.writeStoreError(w, "", "list", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse{Sessions: ids, Total: len(ids)})
}

// writeStoreError maps the store error taxonomy onto HTTP status codes.
func (*Handler) writeStoreError(w http.ResponseWriter, id, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrStoreUnavailable):
		slog.Error("history: store unavailable", "op", op, slogKeySession, id, slogKeyError, err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		slog.Error("history: store error", "op", op, slogKeySession, id, slogKeyError, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
