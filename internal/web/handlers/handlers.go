package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/syncer"
)

// maxWebhookBody caps webhook bodies. Plex multipart bodies carry a thumbnail.
const maxWebhookBody = 10 << 20

// Processor runs a normalized playback event through the sync pipeline.
type Processor interface {
	Process(ctx context.Context, ev *media.PlaybackEvent) (*syncer.Result, error)
}

// HistoryStore is the read side of the sync ledger.
type HistoryStore interface {
	GetUser(id int64) (*database.User, error)
	ListHistory(userID int64, limit, offset int) ([]*database.HistoryEntry, error)
	CountHistory(userID int64) (int, error)
	GetHistoryStats(userID int64) (*database.HistoryStats, error)
}

// LiveCounter reports connected live feed clients.
type LiveCounter interface {
	ClientCount() int
}

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	processor Processor
	history   HistoryStore
	loader    *config.Loader
	live      LiveCounter
	version   VersionInfo
	started   time.Time
}

// New creates a new Handlers instance
func New(processor Processor, history HistoryStore, loader *config.Loader) *Handlers {
	return &Handlers{
		processor: processor,
		history:   history,
		loader:    loader,
		started:   time.Now(),
	}
}

// SetLiveCounter sets the live feed used for health reporting
func (h *Handlers) SetLiveCounter(live LiveCounter) {
	h.live = live
}

// SetVersionInfo sets the application version information
func (h *Handlers) SetVersionInfo(version, commit, date string) {
	h.version = VersionInfo{Version: version, Commit: commit, Date: date}
}

// APIKey returns the configured webhook secret.
func (h *Handlers) APIKey() string {
	return h.loader.String("webhook.api_key", "")
}

func (h *Handlers) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, status, map[string]any{"error": message})
}

func (h *Handlers) jsonSuccess(w http.ResponseWriter, message string) {
	body := map[string]any{"success": true}
	if message != "" {
		body["message"] = message
	}
	h.jsonResponse(w, http.StatusOK, body)
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if h.live != nil {
		body["live_clients"] = h.live.ClientCount()
	}
	h.jsonResponse(w, http.StatusOK, body)
}
