package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

const (
	loginUserSelector     = `input[type="email"], input[name="username"], input[name="email"]`
	loginPasswordSelector = `input[type="password"]`
	loginSubmitSelector   = `button[type="submit"]`

	// The web app keeps its session token in local storage, JSON encoded.
	tokenScript = `(function () {
		var t = localStorage.getItem("flutter.jwtToken") || localStorage.getItem("jwtToken") || "";
		try { t = JSON.parse(t); } catch (e) {}
		return typeof t === "string" ? t : "";
	})()`
)

// ChromeLogin signs in to TV Time with a headless Chrome instance.
type ChromeLogin struct {
	LoginURL string
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath     string
	PollInterval time.Duration
}

// Login drives the login form and waits for the session token to appear.
func (c *ChromeLogin) Login(ctx context.Context, username, password string) (string, error) {
	if c.LoginURL == "" {
		return "", errors.New("tvtime.login_url is not configured")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	log.Debug().Str("url", c.LoginURL).Msg("Starting browser login")

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(c.LoginURL),
		chromedp.WaitVisible(loginUserSelector, chromedp.ByQuery),
		chromedp.SendKeys(loginUserSelector, username, chromedp.ByQuery),
		chromedp.SendKeys(loginPasswordSelector, password, chromedp.ByQuery),
		chromedp.Click(loginSubmitSelector, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to submit login form: %w", err)
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var token string
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(tokenScript, &token)); err != nil {
			return "", fmt.Errorf("failed to read session token: %w", err)
		}
		if token != "" {
			return token, nil
		}

		select {
		case <-browserCtx.Done():
			return "", fmt.Errorf("login did not produce a session token: %w", browserCtx.Err())
		case <-ticker.C:
		}
	}
}
