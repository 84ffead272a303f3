package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 8080 && os.Getenv("PORT") == "" {
		t.Errorf("Expected port 8080, got %d", cfg.Port)
	}
	if cfg.Limits.RequestsPerConn != 100 {
		t.Errorf("Expected default keep-alive max 100, got %d", cfg.Limits.RequestsPerConn)
	}
}

func TestParseFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "stagehttp.json")
	data := `{
		"workers": 3,
		"limits": {
			"header_size": 4096,
			"chunk_size": 1024,
			"inactivity_timeout": "5s",
			"request_timeout": 90
		}
	}`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAGEHTTP_LIMITS_REQUESTS_PER_CONN", "7")

	cfg, err := Parse([]string{"-port", "9090", "-config", file})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 9090 && os.Getenv("PORT") == "" {
		t.Errorf("Expected port 9090, got %d", cfg.Port)
	}
	if cfg.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", cfg.Workers)
	}

	l := cfg.Limits
	if l.HeaderSize != 4096 || l.ChunkSize != 1024 {
		t.Errorf("Unexpected sizes %d %d", l.HeaderSize, l.ChunkSize)
	}
	if l.InactivityTimeout != 5*time.Second {
		t.Errorf("Expected 5s inactivity, got %v", l.InactivityTimeout)
	}
	if l.RequestTimeout != 90*time.Second {
		t.Errorf("Expected 90s request timeout, got %v", l.RequestTimeout)
	}
	if l.RequestsPerConn != 7 {
		t.Errorf("Expected env keep-alive max 7, got %d", l.RequestsPerConn)
	}
	if l.URISize != 8*1024 {
		t.Errorf("Unset field lost its default: %d", l.URISize)
	}
}

func TestParseBadLimit(t *testing.T) {
	t.Setenv("STAGEHTTP_LIMITS_HEADER_COUNT", "many")
	if _, err := Parse(nil); err == nil {
		t.Error("Expected error for non-numeric limit")
	}
}

func TestManagerGetters(t *testing.T) {
	m := NewManager()
	m.Set("a", "12")
	m.Set("b", true)
	m.Set("c", "250ms")

	if m.GetInt("a") != 12 {
		t.Errorf("GetInt = %d", m.GetInt("a"))
	}
	if !m.GetBool("b") {
		t.Error("GetBool = false")
	}
	if m.GetDuration("c") != 250*time.Millisecond {
		t.Errorf("GetDuration = %v", m.GetDuration("c"))
	}
	if m.GetString("missing", "x") != "x" {
		t.Error("GetString default not applied")
	}
}
