package tracker

import (
	"testing"
)

func TestBuildAnnounceURLsSingleAnnounce(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://tracker.example/announce", nil)
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("tiers = %#v", tiers)
	}
}

func TestBuildAnnounceURLsWithTiers(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://primary.example/announce", [][]string{
		{"http://primary.example/announce"},
		{"udp://backup1.example:80", "udp://backup2.example:80"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("len(tiers) = %d, want 2", len(tiers))
	}
	if len(tiers[1]) != 2 {
		t.Fatalf("len(tiers[1]) = %d, want 2", len(tiers[1]))
	}
}

func TestBuildAnnounceURLsDropsUnsupportedSchemes(t *testing.T) {
	tiers, err := buildAnnounceURLs("ws://bogus.example/announce", [][]string{
		{"http://ok.example/announce", "ftp://bad.example"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("tiers = %#v", tiers)
	}
}

func TestBuildAnnounceURLsNoneValid(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatalf("expected error when no announce urls are valid")
	}
}

func TestEventString(t *testing.T) {
	tests := []struct {
		e    Event
		want string
	}{
		{EventNone, ""},
		{EventStarted, "started"},
		{EventStopped, "stopped"},
		{EventCompleted, "completed"},
	}
	for _, tc := range tests {
		if got := tc.e.String(); got != tc.want {
			t.Errorf("Event(%d).String() = %q, want %q", tc.e, got, tc.want)
		}
	}
}
