package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event that can trigger a notification
type EventType string

const (
	EventSyncFailed       EventType = "sync_failed"
	EventSyncPartial      EventType = "sync_partial"
	EventCredentialFailed EventType = "credential_failed"
	EventSystemError      EventType = "system_error"
)

// Event represents a notification event
type Event struct {
	Type      EventType
	Title     string
	Message   string
	Fields    map[string]string
	Timestamp time.Time
}

// Provider is the interface for notification providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Send sends a notification
	Send(ctx context.Context, event Event) error

	// Test sends a test notification
	Test(ctx context.Context) error
}

// Manager queues events and fans them out to the registered providers.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
	events    chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup

	running bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		events:    make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}
}

// RegisterProvider registers a notification provider, replacing any provider with the same name.
// The dispatcher starts with the first provider.
func (m *Manager) RegisterProvider(name string, provider Provider) {
	m.mu.Lock()
	wasEmpty := len(m.providers) == 0
	m.providers[name] = provider
	shouldStart := wasEmpty && !m.running
	m.mu.Unlock()

	log.Info().Str("provider", name).Msg("Registered notification provider")

	if shouldStart {
		m.Start()
	}
}

// UnregisterProvider removes a notification provider.
// If this was the last provider, the manager will stop automatically.
func (m *Manager) UnregisterProvider(name string) {
	m.mu.Lock()
	_, existed := m.providers[name]
	delete(m.providers, name)
	shouldStop := m.running && len(m.providers) == 0
	m.mu.Unlock()

	if existed {
		log.Info().Str("provider", name).Msg("Unregistered notification provider")
	}

	if shouldStop {
		m.Stop()
	}
}

// GetProvider returns a provider by name
func (m *Manager) GetProvider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// ListProviders returns all registered provider names
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Start starts the notification dispatcher.
// Returns true if the manager was started (providers exist), false otherwise.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return true
	}

	if len(m.providers) == 0 {
		return false
	}

	m.running = true
	stop := m.stopChan
	m.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Notification dispatcher panicked")
			}
		}()
		m.dispatcher(stop)
	})
	log.Info().Msg("Notification manager started")
	return true
}

// Stop stops the notification dispatcher
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	// Recreate stopChan for potential restart
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Wait()

	log.Info().Msg("Notification manager stopped")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Notify queues an event for notification. Events are dropped when nothing is registered.
func (m *Manager) Notify(event Event) {
	if !m.IsRunning() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case m.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("Notification queue full, dropping event")
	}
}

func (m *Manager) dispatcher(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event := <-m.events:
			m.dispatch(event)
		}
	}
}

// dispatch sends an event to all registered providers
func (m *Manager) dispatch(event Event) {
	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	if len(providers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, provider := range providers {
		if err := provider.Send(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("provider", provider.Name()).
				Str("event", string(event.Type)).
				Msg("Failed to send notification")
			continue
		}
		log.Debug().
			Str("provider", provider.Name()).
			Str("event", string(event.Type)).
			Msg("Notification sent")
	}
}

// TestProvider sends a test notification through one registered provider.
func (m *Manager) TestProvider(ctx context.Context, providerName string) error {
	provider, ok := m.GetProvider(providerName)
	if !ok {
		return fmt.Errorf("provider not found: %s", providerName)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return provider.Test(ctx)
}
