package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Connection.Connector != ConnectorIP {
		t.Fatalf("default connector = %q", cfg.Connection.Connector)
	}
	if cfg.Connection.Port != DefaultIPPort {
		t.Fatalf("default port = %d", cfg.Connection.Port)
	}
	if cfg.SendQueue.MaxAttempts != 3 {
		t.Fatalf("default max attempts = %d", cfg.SendQueue.MaxAttempts)
	}
}

func TestLoadFillsMissingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"connection": {"host": "10.0.0.5"}, "send_queue": {"min_interval_seconds": 0}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Connection.Host != "10.0.0.5" {
		t.Fatalf("host = %q", cfg.Connection.Host)
	}
	if cfg.SendQueue.MinIntervalSeconds != 5 {
		t.Fatalf("min interval not defaulted: %d", cfg.SendQueue.MinIntervalSeconds)
	}
	if cfg.VirtualNode.ListenAddr == "" {
		t.Fatalf("virtual node listen addr not defaulted")
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty ip host")
	}
	cfg.Connection.Host = "radio.local"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Connection.Host = "192.168.1.20"
	cfg.Timers = []TimerConfig{{Name: "morning", Cron: "0 8 * * *", Channel: 0, Message: "Good morning"}}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded.Connection.Host != cfg.Connection.Host {
		t.Fatalf("host mismatch: %q", loaded.Connection.Host)
	}
	if len(loaded.Timers) != 1 || loaded.Timers[0].Cron != "0 8 * * *" {
		t.Fatalf("timers not persisted: %+v", loaded.Timers)
	}
}

func TestScheduleWindowValidate(t *testing.T) {
	cases := []struct {
		window  ScheduleWindow
		wantErr bool
	}{
		{ScheduleWindow{}, false},
		{ScheduleWindow{Start: "08:00", End: "22:00"}, false},
		{ScheduleWindow{Start: "22:00", End: "06:00"}, false},
		{ScheduleWindow{Start: "25:00", End: "06:00"}, true},
		{ScheduleWindow{Start: "8", End: "06:00"}, true},
		{ScheduleWindow{Start: "08:61", End: "06:00"}, true},
	}
	for _, tc := range cases {
		err := tc.window.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("expected error for %+v", tc.window)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("unexpected error for %+v: %v", tc.window, err)
		}
	}
}
