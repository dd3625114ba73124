package notification

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/saltyorg/watchrelay/internal/httpclient"
)

const defaultUsername = "WatchRelay"

// DiscordConfig holds Discord webhook configuration
type DiscordConfig struct {
	WebhookURL string
	Username   string // Bot username (optional)
	AvatarURL  string // Bot avatar URL (optional)
	Enabled    bool
}

// DiscordProvider sends notifications via Discord webhooks
type DiscordProvider struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordProvider creates a new Discord notification provider
func NewDiscordProvider(config DiscordConfig) *DiscordProvider {
	return &DiscordProvider{
		config: config,
		client: httpclient.NewTraceClient("discord", 30*time.Second),
	}
}

// Name returns the provider name
func (d *DiscordProvider) Name() string {
	return "discord"
}

// Send sends a notification to Discord
func (d *DiscordProvider) Send(ctx context.Context, event Event) error {
	if !d.config.Enabled || d.config.WebhookURL == "" {
		return nil
	}
	return d.sendWebhook(ctx, d.payload(event))
}

// Test sends a test notification
func (d *DiscordProvider) Test(ctx context.Context) error {
	if d.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return d.sendWebhook(ctx, d.payload(Event{
		Type:      "test",
		Title:     "Test Notification",
		Message:   "This is a test notification from WatchRelay. If you see this, Discord notifications are working!",
		Timestamp: time.Now(),
	}))
}

func (d *DiscordProvider) payload(event Event) discordWebhookPayload {
	payload := discordWebhookPayload{
		Username:  d.config.Username,
		AvatarURL: d.config.AvatarURL,
		Embeds:    []discordEmbed{d.buildEmbed(event)},
	}
	if payload.Username == "" {
		payload.Username = defaultUsername
	}
	return payload
}

// buildEmbed creates a Discord embed from an event. Fields are sorted by name.
func (d *DiscordProvider) buildEmbed(event Event) discordEmbed {
	embed := discordEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       colorForEvent(event.Type),
		Timestamp:   event.Timestamp.Format(time.RFC3339),
		Footer: &discordEmbedFooter{
			Text: defaultUsername,
		},
	}

	for _, name := range slices.Sorted(maps.Keys(event.Fields)) {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   name,
			Value:  event.Fields[name],
			Inline: true,
		})
	}

	return embed
}

func colorForEvent(eventType EventType) int {
	switch eventType {
	case EventSyncFailed, EventSystemError:
		return 0xFF0000 // Red
	case EventSyncPartial, EventCredentialFailed:
		return 0xFFA500 // Orange
	default:
		return 0x808080 // Gray
	}
}

// sendWebhook sends a webhook payload to Discord
func (d *DiscordProvider) sendWebhook(ctx context.Context, payload discordWebhookPayload) error {
	return sendJSONRequest(ctx, d.client, http.MethodPost, d.config.WebhookURL, payload)
}

// Discord webhook payload structures
type discordWebhookPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
