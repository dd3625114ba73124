package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	path := KeyPathForDB(filepath.Join(t.TempDir(), "watchrelay.db"))

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() error = %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("key length = %d, want 32", len(first))
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() second call error = %v", err)
	}
	if string(first) != string(second) {
		t.Error("key changed between loads")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}
}

func TestLoadOrCreateKeyRejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(path, []byte("tiny"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Error("expected error for short key")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := s.Seal("access-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "access-token" {
		t.Fatal("Seal() returned plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil || opened != "access-token" {
		t.Errorf("Open() = %q, %v", opened, err)
	}

	if empty, _ := s.Seal(""); empty != "" {
		t.Errorf("Seal(\"\") = %q, want empty", empty)
	}

	other, _ := NewSealer([]byte("fedcba9876543210fedcba9876543210"))
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open() with a different install key should fail")
	}
}

func TestCheckAPIKey(t *testing.T) {
	tests := []struct {
		configured, provided string
		want                 bool
	}{
		{"", "", true},
		{"", "anything", true},
		{"secret", "secret", true},
		{"secret", "wrong", false},
		{"secret", "", false},
	}
	for _, tt := range tests {
		if got := CheckAPIKey(tt.configured, tt.provided); got != tt.want {
			t.Errorf("CheckAPIKey(%q, %q) = %v, want %v", tt.configured, tt.provided, got, tt.want)
		}
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateAPIKey()
	if len(a) != APIKeyLength*2 || a == b {
		t.Errorf("GenerateAPIKey() = %q, %q", a, b)
	}
}
