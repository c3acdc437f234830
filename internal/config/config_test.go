package config

import (
	"testing"
	"time"
)

func validSettings() Settings {
	return Settings{
		WSURL:            "wss://example.test/stream",
		PingInterval:     20 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		UIDebounce:       200 * time.Millisecond,
		FundingRefresh:   60 * time.Second,
		FundingMinAssets: 3,
		DashboardPort:    8000,
	}
}

func TestValidate_OK(t *testing.T) {
	s := validSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty url", func(s *Settings) { s.WSURL = "" }},
		{"zero ping interval", func(s *Settings) { s.PingInterval = 0 }},
		{"zero reconnect base", func(s *Settings) { s.ReconnectBase = 0 }},
		{"base exceeds max", func(s *Settings) { s.ReconnectBase, s.ReconnectMax = 60*time.Second, 30*time.Second }},
		{"min assets below one", func(s *Settings) { s.FundingMinAssets = 0 }},
		{"port too low", func(s *Settings) { s.DashboardPort = 0 }},
		{"port too high", func(s *Settings) { s.DashboardPort = 70000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}

func TestDebounce_Floor(t *testing.T) {
	s := validSettings()
	s.UIDebounce = 10 * time.Millisecond
	if got := s.Debounce(); got != minUIDebounce {
		t.Errorf("Debounce() = %s, want floor %s", got, minUIDebounce)
	}

	s.UIDebounce = 500 * time.Millisecond
	if got := s.Debounce(); got != 500*time.Millisecond {
		t.Errorf("Debounce() = %s, want 500ms", got)
	}
}
