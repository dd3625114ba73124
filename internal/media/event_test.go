package media

import "testing"

func TestIdentifiersPreferred(t *testing.T) {
	tests := []struct {
		name       string
		ids        Identifiers
		wantScheme string
		wantValue  string
		wantOK     bool
	}{
		{"tvdb wins over imdb", Identifiers{TVDB: "123", IMDB: "tt1", TMDB: "9"}, "tvdb", "123", true},
		{"imdb fallback", Identifiers{IMDB: "tt1", TMDB: "9"}, "imdb", "tt1", true},
		{"tmdb only", Identifiers{TMDB: "9"}, "", "", false},
		{"empty", Identifiers{}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, value, ok := tt.ids.Preferred()
			if scheme != tt.wantScheme || value != tt.wantValue || ok != tt.wantOK {
				t.Errorf("Preferred() = (%q, %q, %v), want (%q, %q, %v)", scheme, value, ok, tt.wantScheme, tt.wantValue, tt.wantOK)
			}
		})
	}
}

func TestKeyFor(t *testing.T) {
	key, ok := KeyFor(7, KindEpisode, Identifiers{TVDB: "555", IMDB: "tt9"})
	if !ok {
		t.Fatal("expected a key")
	}
	if got, want := key.String(), "7/episode/tvdb:555"; got != want {
		t.Errorf("KeyFor().String() = %q, want %q", got, want)
	}

	if _, ok := KeyFor(7, KindMovie, Identifiers{TMDB: "1"}); ok {
		t.Error("expected no key for tmdb-only identifiers")
	}
}

func TestDisplayTitle(t *testing.T) {
	ep := &PlaybackEvent{MediaKind: KindEpisode, ShowTitle: "Severance", Season: 1, Episode: 3, Title: "In Perpetuity"}
	if got, want := ep.DisplayTitle(), "Severance S01E03 - In Perpetuity"; got != want {
		t.Errorf("DisplayTitle() = %q, want %q", got, want)
	}

	movie := &PlaybackEvent{MediaKind: KindMovie, Title: "Heat", Year: 1995}
	if got, want := movie.DisplayTitle(), "Heat (1995)"; got != want {
		t.Errorf("DisplayTitle() = %q, want %q", got, want)
	}
}
