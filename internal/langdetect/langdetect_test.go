package langdetect_test

import (
	"testing"

	"github.com/MrWong99/hark/internal/langdetect"
)

func TestDetect(t *testing.T) {
	d := langdetect.New([]string{"en", "ro"}, "en")
	tests := []struct {
		text string
		want string
	}{
		{"What is the weather like today in the city?", "en"},
		{"Care este vremea astăzi în oraș și mâine dimineață?", "ro"},
		{"", "en"},
		{"   ", "en"},
	}
	for _, tt := range tests {
		if got := d.Detect(tt.text); got != tt.want {
			t.Errorf("Detect(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	d := langdetect.New([]string{"en", "ro"}, "")
	tests := []struct {
		name     string
		reported string
		text     string
		want     string
	}{
		{"supported tag kept", "ro", "hello there my friend", "ro"},
		{"region suffix dropped", "EN-us", "bună ziua", "en"},
		{"unsupported tag detected", "de", "Care este vremea astăzi în oraș?", "ro"},
		{"missing tag detected", "", "What time is it right now please?", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Resolve(tt.reported, tt.text); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.reported, tt.text, got, tt.want)
			}
		})
	}
}

func TestNew_SingleAndUnknownLanguages(t *testing.T) {
	d := langdetect.New([]string{"xx", "ro"}, "")
	if got := d.Languages(); len(got) != 1 || got[0] != "ro" {
		t.Fatalf("Languages = %v, want [ro]", got)
	}
	if got := d.Detect("What is the weather like today?"); got != "ro" {
		t.Errorf("Detect with one language = %q, want the fallback ro", got)
	}
	if d.Supports("xx") {
		t.Error("Supports(xx) = true, want false")
	}
}
