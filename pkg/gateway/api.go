package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/apperr"
	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/chat"
)

// Handler mounts the websocket endpoint, the JSON API and the health check.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.ServeWS)
	mux.Handle("POST /api/conversations", g.requireAuth(g.handleStartConversation))
	mux.Handle("GET /api/conversations", g.requireAuth(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}/messages", g.requireAuth(g.handleListMessages))
	mux.Handle("GET /api/presence/{userId}", g.requireAuth(g.handlePresence))
	mux.HandleFunc("GET /healthz", g.handleHealth)
	return mux
}

func (g *Gateway) requireAuth(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)), id)
	})
}

func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var body startConversationData
	r.Body = http.MaxBytesReader(w, r.Body, g.opts.MaxMessageBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("malformed JSON body"))
		return
	}
	res, err := g.startConversation(r.Context(), id.UserID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	convs, err := g.svc.ListConversations(r.Context(), id.UserID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success       bool                    `json:"success"`
		Conversations []chat.ConversationView `json:"conversations"`
	}{true, convs})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := g.svc.History(r.Context(), id.UserID, r.PathValue("id"), limit, r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		chat.Page
	}{true, page})
}

func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	p, err := g.svc.Presence(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": g.pool.Count(),
	})
}

func queryInt(r *http.Request, name string) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, apperr.Validationf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func statusFor(err error) int {
	switch apperr.Kind(err) {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "gateway").Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": apperr.Public(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "gateway").Msg("write response failed")
	}
}
