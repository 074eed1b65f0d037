package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("NEODOCK_HOME", "/var/lib/neodock")
	cfg := Load()

	t.Run("ServerConfig defaults", func(t *testing.T) {
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
		}
		if cfg.Server.ReadTimeout != 30*time.Second {
			t.Errorf("Server.ReadTimeout = %v, want %v", cfg.Server.ReadTimeout, 30*time.Second)
		}
		if cfg.Server.APIKey != "" {
			t.Errorf("Server.APIKey = %q, want empty", cfg.Server.APIKey)
		}
	})

	t.Run("PortsConfig defaults", func(t *testing.T) {
		if cfg.Ports.HTTPBase != 7474 {
			t.Errorf("Ports.HTTPBase = %d, want %d", cfg.Ports.HTTPBase, 7474)
		}
		if cfg.Ports.BoltBase != 7687 {
			t.Errorf("Ports.BoltBase = %d, want %d", cfg.Ports.BoltBase, 7687)
		}
		if cfg.Ports.Stride != 10 {
			t.Errorf("Ports.Stride = %d, want %d", cfg.Ports.Stride, 10)
		}
		if cfg.Ports.MaxProbes != 100 {
			t.Errorf("Ports.MaxProbes = %d, want %d", cfg.Ports.MaxProbes, 100)
		}
		if cfg.Ports.StaleAfter != 2*time.Minute {
			t.Errorf("Ports.StaleAfter = %v, want %v", cfg.Ports.StaleAfter, 2*time.Minute)
		}
		if cfg.Ports.Backend != "file" {
			t.Errorf("Ports.Backend = %q, want %q", cfg.Ports.Backend, "file")
		}
		want := filepath.Join("/var/lib/neodock", "ports.json")
		if cfg.Ports.TablePath != want {
			t.Errorf("Ports.TablePath = %q, want %q", cfg.Ports.TablePath, want)
		}
	})

	t.Run("ReadinessConfig defaults", func(t *testing.T) {
		if cfg.Readiness.Interval != time.Second {
			t.Errorf("Readiness.Interval = %v, want %v", cfg.Readiness.Interval, time.Second)
		}
		if cfg.Readiness.Attempts != 30 {
			t.Errorf("Readiness.Attempts = %d, want %d", cfg.Readiness.Attempts, 30)
		}
	})

	t.Run("DockerConfig defaults", func(t *testing.T) {
		if cfg.Docker.Image != "neo4j:5" {
			t.Errorf("Docker.Image = %q, want %q", cfg.Docker.Image, "neo4j:5")
		}
		if cfg.Docker.StopTimeout != 10 {
			t.Errorf("Docker.StopTimeout = %d, want %d", cfg.Docker.StopTimeout, 10)
		}
	})

	t.Run("EventsConfig defaults", func(t *testing.T) {
		if cfg.Events.NATSURL != "" {
			t.Errorf("Events.NATSURL = %q, want empty", cfg.Events.NATSURL)
		}
		if cfg.Events.StreamName != "NEODOCK" {
			t.Errorf("Events.StreamName = %q, want %q", cfg.Events.StreamName, "NEODOCK")
		}
	})

	t.Run("Cleanup and safety defaults", func(t *testing.T) {
		if cfg.Cleanup.KeepDays != 7 {
			t.Errorf("Cleanup.KeepDays = %d, want %d", cfg.Cleanup.KeepDays, 7)
		}
		if cfg.Cleanup.Interval != 0 {
			t.Errorf("Cleanup.Interval = %v, want 0", cfg.Cleanup.Interval)
		}
		if cfg.Safety.AllowProductionDestroy {
			t.Error("Safety.AllowProductionDestroy should default to false")
		}
	})
}

func TestLoad_CustomEnvVars(t *testing.T) {
	t.Run("ServerConfig custom values", func(t *testing.T) {
		t.Setenv("SERVER_HOST", "0.0.0.0")
		t.Setenv("SERVER_PORT", "9090")
		t.Setenv("SERVER_WRITE_TIMEOUT", "1m")
		t.Setenv("API_KEY", "secret")

		cfg := Load()

		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
		}
		if cfg.Server.WriteTimeout != time.Minute {
			t.Errorf("Server.WriteTimeout = %v, want %v", cfg.Server.WriteTimeout, time.Minute)
		}
		if cfg.Server.APIKey != "secret" {
			t.Errorf("Server.APIKey = %q, want %q", cfg.Server.APIKey, "secret")
		}
	})

	t.Run("PortsConfig custom values", func(t *testing.T) {
		t.Setenv("NEODOCK_HTTP_PORT_BASE", "17474")
		t.Setenv("NEODOCK_BOLT_PORT_BASE", "17687")
		t.Setenv("NEODOCK_PORT_STRIDE", "2")
		t.Setenv("NEODOCK_PORT_BACKEND", "valkey")
		t.Setenv("NEODOCK_PORT_TABLE", "/tmp/ports.json")

		cfg := Load()

		if cfg.Ports.HTTPBase != 17474 || cfg.Ports.BoltBase != 17687 {
			t.Errorf("Ports bases = %d/%d, want 17474/17687", cfg.Ports.HTTPBase, cfg.Ports.BoltBase)
		}
		if cfg.Ports.Stride != 2 {
			t.Errorf("Ports.Stride = %d, want %d", cfg.Ports.Stride, 2)
		}
		if cfg.Ports.Backend != "valkey" {
			t.Errorf("Ports.Backend = %q, want %q", cfg.Ports.Backend, "valkey")
		}
		if cfg.Ports.TablePath != "/tmp/ports.json" {
			t.Errorf("Ports.TablePath = %q, want %q", cfg.Ports.TablePath, "/tmp/ports.json")
		}
	})

	t.Run("Readiness and safety custom values", func(t *testing.T) {
		t.Setenv("NEODOCK_READY_INTERVAL", "250ms")
		t.Setenv("NEODOCK_READY_ATTEMPTS", "120")
		t.Setenv("NEODOCK_ALLOW_PRODUCTION_DESTROY", "true")

		cfg := Load()

		if cfg.Readiness.Interval != 250*time.Millisecond {
			t.Errorf("Readiness.Interval = %v, want 250ms", cfg.Readiness.Interval)
		}
		if cfg.Readiness.Attempts != 120 {
			t.Errorf("Readiness.Attempts = %d, want %d", cfg.Readiness.Attempts, 120)
		}
		if !cfg.Safety.AllowProductionDestroy {
			t.Error("Safety.AllowProductionDestroy should be true")
		}
	})
}

func TestGetEnv(t *testing.T) {
	t.Run("returns env value when set", func(t *testing.T) {
		t.Setenv("TEST_ENV_VAR", "custom_value")
		if result := getEnv("TEST_ENV_VAR", "default"); result != "custom_value" {
			t.Errorf("getEnv() = %q, want %q", result, "custom_value")
		}
	})

	t.Run("returns default when env is empty string", func(t *testing.T) {
		t.Setenv("EMPTY_VAR", "")
		if result := getEnv("EMPTY_VAR", "default"); result != "default" {
			t.Errorf("getEnv() = %q, want %q", result, "default")
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   int
		want  int
	}{
		{"valid", "42", 0, 42},
		{"empty", "", 100, 100},
		{"invalid", "not_a_number", 50, 50},
		{"float", "3.14", 10, 10},
		{"negative", "-5", 0, -5},
		{"zero", "0", 99, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INT_VAR", tt.value)
			if got := getEnvInt("INT_VAR", tt.def); got != tt.want {
				t.Errorf("getEnvInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"empty", "", true, true},
		{"invalid", "yes please", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BOOL_VAR", tt.value)
			if got := getEnvBool("BOOL_VAR", tt.def); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"seconds", "45s", 0, 45 * time.Second},
		{"empty", "", time.Minute, time.Minute},
		{"invalid", "soon", time.Hour, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DURATION_VAR", tt.value)
			if got := getEnvDuration("DURATION_VAR", tt.def); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
