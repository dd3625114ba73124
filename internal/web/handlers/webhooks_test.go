package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMediaBrowserToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`MediaBrowser Token="abc"`, "abc"},
		{`MediaBrowser Client="Jellyfin Web", Device="Firefox", Token="abc", Version="10.9"`, "abc"},
		{`Emby token=abc`, "abc"},
		{`Bearer abc`, ""},
		{`MediaBrowser Client="x"`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mediaBrowserToken(tt.header); got != tt.want {
			t.Errorf("mediaBrowserToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestJellyfinRequestKeyPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhooks/jellyfin?apiKey=query", nil)
	if got := jellyfinRequestKey(r); got != "query" {
		t.Errorf("query only = %q", got)
	}

	r.Header.Set("Authorization", `MediaBrowser Token="auth"`)
	if got := jellyfinRequestKey(r); got != "auth" {
		t.Errorf("authorization over query = %q", got)
	}

	r.Header.Set("X-MediaBrowser-Token", "mb")
	if got := jellyfinRequestKey(r); got != "mb" {
		t.Errorf("token header over authorization = %q", got)
	}

	r.Header.Set("X-Api-Key", "api")
	if got := jellyfinRequestKey(r); got != "api" {
		t.Errorf("X-Api-Key first = %q", got)
	}
}

func TestOversizedWebhookBody(t *testing.T) {
	h := New(nil, nil, nil)
	body := strings.Repeat("a", maxWebhookBody+1)

	tests := []struct {
		name    string
		path    string
		handler http.HandlerFunc
		want    int
	}{
		{"plex", "/webhooks/plex", h.WebhookPlex, http.StatusInternalServerError},
		{"jellyfin", "/webhooks/jellyfin", h.WebhookJellyfin, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
