package notification

import (
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/config"
)

// Configure registers the providers enabled in settings and removes the rest.
// It can be called again whenever settings change.
func Configure(m *Manager, loader *config.Loader) {
	discord := DiscordConfig{
		Enabled:    loader.Bool("notifications.discord.enabled", false),
		WebhookURL: loader.String("notifications.discord.webhook_url", ""),
		Username:   loader.String("notifications.discord.username", ""),
		AvatarURL:  loader.String("notifications.discord.avatar_url", ""),
	}
	if discord.Enabled && discord.WebhookURL != "" {
		m.RegisterProvider("discord", NewDiscordProvider(discord))
	} else {
		m.UnregisterProvider("discord")
	}

	webhook := WebhookConfig{
		Enabled:     loader.Bool("notifications.webhook.enabled", false),
		URL:         loader.String("notifications.webhook.url", ""),
		Method:      loader.String("notifications.webhook.method", ""),
		Body:        loader.String("notifications.webhook.body", ""),
		ContentType: loader.String("notifications.webhook.content_type", ""),
		Headers:     ParseWebhookHeaders(loader.String("notifications.webhook.headers", "")),
	}
	if err := ValidateWebhookBody(webhook.Body); err != nil {
		log.Warn().Err(err).Msg("Ignoring notifications.webhook.body, using the default body")
		webhook.Body = ""
	}
	if webhook.Enabled && webhook.URL != "" {
		m.RegisterProvider("webhook", NewWebhookProvider(webhook))
	} else {
		m.UnregisterProvider("webhook")
	}
}
