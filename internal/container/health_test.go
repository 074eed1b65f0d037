package container

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neodock/neodock/pkg/logging"
)

func TestCheckListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := HealthCheckConfig{TCPTimeout: time.Second}
	if !CheckListening(context.Background(), "127.0.0.1", port, cfg, logging.Nop()) {
		t.Error("CheckListening() = false for an open listener")
	}

	ln.Close()
	if CheckListening(context.Background(), "127.0.0.1", port, cfg, logging.Nop()) {
		t.Error("CheckListening() = true after the listener closed")
	}
}

func TestCheckHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"unauthorized still answers", http.StatusUnauthorized, true},
		{"server error", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewHealthClient(DefaultHealthCheckConfig())
			if got := CheckHTTP(context.Background(), client, srv.URL, logging.Nop()); got != tt.want {
				t.Errorf("CheckHTTP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckHTTP_Unreachable(t *testing.T) {
	client := NewHealthClient(HealthCheckConfig{HTTPTimeout: 500 * time.Millisecond})
	if CheckHTTP(context.Background(), client, "http://127.0.0.1:1/", logging.Nop()) {
		t.Error("CheckHTTP() = true for an unreachable address")
	}
}

func TestMount_IsZero(t *testing.T) {
	if !(Mount{Target: DataDir}).IsZero() {
		t.Error("mount without source should be zero")
	}
	if (Mount{VolumeName: "v"}).IsZero() || (Mount{HostPath: "/tmp/x"}).IsZero() {
		t.Error("mount with a source should not be zero")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID() = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q", got)
	}
}
