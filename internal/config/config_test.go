package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigTimings(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Engine.StaleAfter != 2*time.Minute {
		t.Errorf("Engine.StaleAfter = %s, want 2m", cfg.Engine.StaleAfter)
	}
	if cfg.Publish.FullRefreshInterval != 5*time.Second {
		t.Errorf("Publish.FullRefreshInterval = %s, want 5s", cfg.Publish.FullRefreshInterval)
	}
	if cfg.Publish.MinPacing != 2*time.Millisecond || cfg.Publish.MaxPacing != 50*time.Millisecond {
		t.Errorf("pacing bounds = [%s,%s], want [2ms,50ms]", cfg.Publish.MinPacing, cfg.Publish.MaxPacing)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	_, err = f.WriteString("redis:\n  addr: \"redis.internal:6380\"\nhttp:\n  port: 9090\n")
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q, want redis.internal:6380", cfg.Redis.Addr)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	// Untouched defaults survive the overlay.
	if cfg.Engine.StaleAfter != 2*time.Minute {
		t.Errorf("Engine.StaleAfter = %s, want default 2m to survive partial overlay", cfg.Engine.StaleAfter)
	}
}

func TestEventID(t *testing.T) {
	os.Unsetenv("event_id")
	if _, ok := EventID(); ok {
		t.Error("EventID() ok=true with unset env var")
	}

	os.Setenv("event_id", "42")
	defer os.Unsetenv("event_id")
	id, ok := EventID()
	if !ok || id != 42 {
		t.Errorf("EventID() = %d, %v, want 42, true", id, ok)
	}
}

func TestJobNameFallsBackToHostPort(t *testing.T) {
	os.Unsetenv("job_name")
	name := JobName(HTTPConfig{Host: "10.0.0.5", Port: 8080})
	if name != "10.0.0.5:8080" {
		t.Errorf("JobName = %q, want 10.0.0.5:8080", name)
	}
}

func TestJobNamePrefersEnv(t *testing.T) {
	os.Setenv("job_name", "engine-pod-7")
	defer os.Unsetenv("job_name")
	if got := JobName(HTTPConfig{Host: "x", Port: 1}); got != "engine-pod-7" {
		t.Errorf("JobName = %q, want engine-pod-7", got)
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"http://10.0.0.1:8080", "http://10.0.0.1:8080"},
		{"https://secure.internal", "https://secure.internal"},
	}
	for _, tt := range tests {
		if got := EndpointURL(tt.in); got != tt.want {
			t.Errorf("EndpointURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
