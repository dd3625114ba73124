package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/auth"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
	"github.com/saltyorg/watchrelay/internal/syncer"
	"github.com/saltyorg/watchrelay/internal/webhooks"
)

const messageNotSupported = "Event not supported"

// WebhookPlex handles Plex webhooks.
func (h *Handlers) WebhookPlex(w http.ResponseWriter, r *http.Request) {
	source := media.SourcePlex

	provided := r.URL.Query().Get("apiKey")
	if provided == "" {
		provided = r.Header.Get("X-Api-Key")
	}
	if !auth.CheckAPIKey(h.APIKey(), provided) {
		h.reject(w, r, source)
		return
	}

	body, ok := h.readBody(w, r, source, http.StatusInternalServerError)
	if !ok {
		return
	}
	log.Trace().
		Str("source", string(source)).
		Str("content_type", r.Header.Get("Content-Type")).
		Int("bytes", len(body)).
		Msg("Webhook received")

	ev, err := webhooks.NormalizePlex(body, r.Header.Get("Content-Type"), webhooks.SourceConfig{
		BaseURL: h.loader.String("plex.base_url", ""),
	})
	if err != nil {
		log.Warn().Err(err).Str("source", string(source)).Msg("Failed to parse webhook")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultInvalid).Inc()
		h.jsonError(w, "Failed to parse Plex payload", http.StatusInternalServerError)
		return
	}

	h.process(w, r, source, ev)
}

// WebhookJellyfin handles Jellyfin webhooks.
func (h *Handlers) WebhookJellyfin(w http.ResponseWriter, r *http.Request) {
	source := media.SourceJellyfin

	body, ok := h.readBody(w, r, source, http.StatusBadRequest)
	if !ok {
		return
	}

	doc, embedded, err := webhooks.DecodeJellyfinBody(body)
	if err != nil {
		log.Warn().Err(err).Str("source", string(source)).Msg("Failed to parse webhook")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultInvalid).Inc()
		h.jsonError(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	provided := jellyfinRequestKey(r)
	if provided == "" {
		provided = embedded
	}
	if !auth.CheckAPIKey(h.APIKey(), provided) {
		h.reject(w, r, source)
		return
	}

	log.Trace().
		Str("source", string(source)).
		RawJSON("payload", doc).
		Msg("Webhook received")

	ev, err := webhooks.NormalizeJellyfin(doc, webhooks.SourceConfig{
		BaseURL: h.loader.String("jellyfin.base_url", ""),
	})
	if err != nil {
		log.Warn().Err(err).Str("source", string(source)).Msg("Failed to parse webhook")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultInvalid).Inc()
		h.jsonError(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	h.process(w, r, source, ev)
}

func (h *Handlers) process(w http.ResponseWriter, r *http.Request, source media.Source, ev *media.PlaybackEvent) {
	if ev == nil || ev.Kind != media.EventScrobble {
		log.Debug().Str("source", string(source)).Msg("Ignoring untracked event")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultUnsupported).Inc()
		h.jsonSuccess(w, messageNotSupported)
		return
	}

	result, err := h.processor.Process(r.Context(), ev)
	if err != nil {
		log.Error().Err(err).
			Str("source", string(source)).
			Str("title", ev.DisplayTitle()).
			Msg("Failed to record playback event")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultError).Inc()
		h.jsonError(w, "Failed to record playback event", http.StatusInternalServerError)
		return
	}

	metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultAccepted).Inc()
	if result.Status == syncer.StatusSkipped {
		h.jsonSuccess(w, "Event ignored: "+result.Reason)
		return
	}
	h.jsonSuccess(w, "")
}

// readBody answers with failStatus when the body is unreadable or too large.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request, source media.Source, failStatus int) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Str("source", string(source)).Msg("Failed to read webhook request body")
		metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultInvalid).Inc()
		h.jsonError(w, "Failed to read request body", failStatus)
		return nil, false
	}
	return body, true
}

func (h *Handlers) reject(w http.ResponseWriter, r *http.Request, source media.Source) {
	log.Warn().
		Str("source", string(source)).
		Str("remote", r.RemoteAddr).
		Err(webhooks.ErrUnauthorized).
		Msg("Webhook rejected")
	metrics.WebhooksReceived.WithLabelValues(string(source), metrics.ResultUnauthorized).Inc()
	h.jsonError(w, "Invalid API key", http.StatusUnauthorized)
}

// jellyfinRequestKey reads the API key from the places Jellyfin and its webhook plugin put it.
func jellyfinRequestKey(r *http.Request) string {
	for _, header := range []string{"X-Api-Key", "X-Emby-Token", "X-MediaBrowser-Token"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if token := mediaBrowserToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("apiKey")
}

// mediaBrowserToken extracts Token from `MediaBrowser Client="x", Token="abc"`.
func mediaBrowserToken(header string) string {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || (!strings.EqualFold(scheme, "MediaBrowser") && !strings.EqualFold(scheme, "Emby")) {
		return ""
	}
	for part := range strings.SplitSeq(params, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "token") {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}
