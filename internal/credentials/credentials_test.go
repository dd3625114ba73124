package credentials

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/saltyorg/watchrelay/internal/auth"
	"github.com/saltyorg/watchrelay/internal/config"
	"github.com/saltyorg/watchrelay/internal/database"
	"github.com/saltyorg/watchrelay/internal/media"
)

type memSettings map[string]string

func (m memSettings) GetSetting(key string) (string, error) {
	return m[key], nil
}

type memCredentials struct {
	mu   sync.Mutex
	rows map[string]database.CredentialRecord
}

func newMemCredentials() *memCredentials {
	return &memCredentials{rows: make(map[string]database.CredentialRecord)}
}

func credKey(userID int64, dest media.Destination) string {
	return fmt.Sprintf("%s/%d", dest, userID)
}

func (m *memCredentials) GetCredential(userID int64, dest media.Destination) (*database.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[credKey(userID, dest)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memCredentials) SaveCredential(rec *database.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[credKey(rec.UserID, rec.Destination)] = *rec
	return nil
}

func newTestStore(t *testing.T) (*Store, *memCredentials) {
	t.Helper()
	sealer, err := auth.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	db := newMemCredentials()
	return NewStore(db, sealer), db
}

func TestStoreEncryptsAtRest(t *testing.T) {
	store, db := newTestStore(t)

	err := store.Save(1, media.DestinationTVTime, &Stored{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Account:      "me@example.com",
		Secret:       "hunter2",
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, _ := db.GetCredential(1, media.DestinationTVTime)
	for name, v := range map[string]string{"access": raw.AccessToken, "refresh": raw.RefreshToken, "secret": raw.Secret} {
		if v == "" || v == name || v == "hunter2" {
			t.Errorf("%s column stored in clear: %q", name, v)
		}
	}
	if raw.Account != "me@example.com" {
		t.Errorf("Account = %q, want stored as-is", raw.Account)
	}

	got, err := store.Load(1, media.DestinationTVTime)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" || got.Secret != "hunter2" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Load(1, media.DestinationTrakt)
	if err != nil || got != nil {
		t.Fatalf("Load() = %v, %v; want nil, nil", got, err)
	}

	_, err = store.loadLinked(1, media.DestinationTrakt)
	var authErr *AuthError
	if !errors.As(err, &authErr) || !errors.Is(err, ErrNotLinked) {
		t.Fatalf("loadLinked() error = %v, want AuthError wrapping ErrNotLinked", err)
	}
	if authErr.Destination != media.DestinationTrakt || authErr.UserID != 1 {
		t.Errorf("AuthError = %+v", authErr)
	}
}

func TestManagersReportDestination(t *testing.T) {
	store, _ := newTestStore(t)
	loader := config.NewLoader(memSettings{})

	managers := []Manager{NewTrakt(store, loader), NewSimkl(store, loader), NewTVTime(store, nil, nil)}
	for i, m := range managers {
		if m.Destination() != media.Destinations[i] {
			t.Errorf("manager %d Destination() = %s, want %s", i, m.Destination(), media.Destinations[i])
		}
	}
}
