package config

import "testing"

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.PortRangeStart != 3100 || cfg.PortRangeEnd != 3199 {
		t.Fatalf("unexpected default port range: %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.LeaseTimeoutHours != 24 {
		t.Fatalf("unexpected default lease timeout: %d", cfg.LeaseTimeoutHours)
	}
	if cfg.Agent.MaxIterations != 50 {
		t.Fatalf("unexpected default max iterations: %d", cfg.Agent.MaxIterations)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", "/tmp/conductor-test")
	t.Setenv("CONDUCTOR_PORT_RANGE", "4000-4099")
	t.Setenv("CONDUCTOR_AGENT_PROVIDER", "openai")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/conductor-test" {
		t.Fatalf("data dir not overlaid: %q", cfg.DataDir)
	}
	if cfg.PortRangeStart != 4000 || cfg.PortRangeEnd != 4099 {
		t.Fatalf("port range not overlaid: %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.Agent.Provider != "openai" {
		t.Fatalf("agent provider not overlaid: %q", cfg.Agent.Provider)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	if _, err := Load("/nonexistent/path/conductor.json"); err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
}

func TestParseRange(t *testing.T) {
	start, end, ok := parseRange("3100-3199")
	if !ok || start != 3100 || end != 3199 {
		t.Fatalf("parseRange: got %d-%d ok=%v", start, end, ok)
	}
	if _, _, ok := parseRange("not-a-range"); ok {
		t.Fatalf("expected parseRange to fail on garbage input")
	}
}
