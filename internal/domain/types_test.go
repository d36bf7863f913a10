package domain

import (
	"encoding/json"
	"testing"
)

func TestProviderID_Valid(t *testing.T) {
	for _, id := range Providers {
		if !id.Valid() {
			t.Errorf("%q.Valid() = false, want true", id)
		}
	}
	for _, id := range []ProviderID{"", "unknown_provider", "GPT4", "gpt-4"} {
		if id.Valid() {
			t.Errorf("%q.Valid() = true, want false", id)
		}
	}
}

func TestSettings_Int(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     int
	}{
		{"absent", Settings{}, 512},
		{"float from json", Settings{"width": float64(768)}, 768},
		{"numeric string", Settings{"width": " 640 "}, 640},
		{"json number", Settings{"width": json.Number("300")}, 300},
		{"fractional", Settings{"width": 300.5}, 512},
		{"garbage string", Settings{"width": "wide"}, 512},
		{"below range", Settings{"width": float64(10)}, 512},
		{"above range", Settings{"width": float64(4096)}, 512},
		{"wrong type", Settings{"width": []any{1}}, 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.settings.Int("width", 512, 256, 1024); got != tt.want {
				t.Errorf("Int() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSettings_BoolAndString(t *testing.T) {
	s := Settings{"webAccess": true, "flag": "false", "bad": 3, "imageUrl": "  https://x/y.png "}

	if !s.Bool("webAccess", false) {
		t.Error("Bool(webAccess) = false, want true")
	}
	if s.Bool("flag", true) {
		t.Error("Bool(flag) = true, want false")
	}
	if !s.Bool("bad", true) {
		t.Error("Bool(bad) should fall back to default")
	}
	if got := s.String("imageUrl", ""); got != "https://x/y.png" {
		t.Errorf("String(imageUrl) = %q", got)
	}
	if got := s.String("missing", "def"); got != "def" {
		t.Errorf("String(missing) = %q, want def", got)
	}
}
