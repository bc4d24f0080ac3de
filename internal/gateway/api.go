// ABOUTME: HTTP API handlers for reading the turn ledger
// ABOUTME: Provides GET /api/turns for operators inspecting coalesced traffic

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/store"
)

// TurnResponse is one ledger row in the GET /api/turns response.
type TurnResponse struct {
	ID             string   `json:"id"`
	SenderID       string   `json:"sender_id"`
	Text           string   `json:"text"`
	MessageCount   int      `json:"message_count"`
	Trigger        string   `json:"trigger"`
	FirstMessageAt string   `json:"first_message_at"`
	FlushedAt      string   `json:"flushed_at"`
	Reply          string   `json:"reply,omitempty"`
	ImageIDs       []string `json:"image_ids,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ListTurnsResponse is the JSON response for GET /api/turns.
type ListTurnsResponse struct {
	Turns []TurnResponse `json:"turns"`
}

// handleListTurns handles GET /api/turns?sender=&since=&limit=.
func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "turn ledger is not configured")
		return
	}

	q := r.URL.Query()
	params := store.ListTurnsParams{SenderID: q.Get("sender")}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		params.Limit = limit
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		params.Since = &since
	}

	turns, err := g.store.ListTurns(r.Context(), params)
	if err != nil {
		g.logger.Error("failed to list turns", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}

	resp := ListTurnsResponse{Turns: make([]TurnResponse, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, toTurnResponse(t))
	}

	g.logger.Debug("listed turns", "caller", auth.SubjectFromContext(r.Context()), "count", len(resp.Turns))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func toTurnResponse(t *store.Turn) TurnResponse {
	return TurnResponse{
		ID:             t.ID,
		SenderID:       t.SenderID,
		Text:           t.Text,
		MessageCount:   t.MessageCount,
		Trigger:        t.Trigger,
		FirstMessageAt: t.FirstMessageAt.UTC().Format(time.RFC3339Nano),
		FlushedAt:      t.FlushedAt.UTC().Format(time.RFC3339Nano),
		Reply:          t.Reply,
		ImageIDs:       t.ImageIDs,
		Error:          t.Error,
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
