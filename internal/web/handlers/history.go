package handlers

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// History lists a user's sync entries, newest first.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.historyUser(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, maxHistoryLimit)
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o > 0 {
		offset = o
	}

	entries, err := h.history.ListHistory(userID, limit, offset)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to list sync history")
		h.jsonError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	total, err := h.history.CountHistory(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to count sync history")
		h.jsonError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// HistoryStats summarizes a user's sync entries.
func (h *Handlers) HistoryStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.historyUser(w, r)
	if !ok {
		return
	}

	stats, err := h.history.GetHistoryStats(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to get sync history stats")
		h.jsonError(w, "Failed to load history stats", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, stats)
}

func (h *Handlers) historyUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || userID <= 0 {
		h.jsonError(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}

	user, err := h.history.GetUser(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to get user")
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return 0, false
	}
	if user == nil {
		h.jsonError(w, "User not found", http.StatusNotFound)
		return 0, false
	}
	return userID, true
}
