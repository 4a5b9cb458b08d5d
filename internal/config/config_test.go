package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DSN", "postgres://localhost/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxContentLength != 2000 {
		t.Errorf("MaxContentLength = %d", cfg.MaxContentLength)
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v", cfg.AuthTimeout)
	}
	if !cfg.UseRedis() {
		t.Error("redis bus should be the default")
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BUS_DRIVER", "local")
	t.Setenv("SEND_TIMEOUT", "250ms")
	t.Setenv("MAX_PAGE_SIZE", "10")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SendTimeout != 250*time.Millisecond {
		t.Errorf("SendTimeout = %v", cfg.SendTimeout)
	}
	if cfg.DefaultPageSize != 10 {
		t.Errorf("DefaultPageSize should be clamped to the max, got %d", cfg.DefaultPageSize)
	}
	if cfg.UseRedis() {
		t.Error("local bus should not need redis")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"STORE_DRIVER": "memory"}},
		{"missing dsn", map[string]string{"JWT_SECRET": "s"}},
		{"bad driver", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "mongo"}},
		{"bad bus", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "memory", "BUS_DRIVER": "nats"}},
		{"bad int", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "memory", "WS_SEND_BUFFER": "many"}},
		{"bad duration", map[string]string{"JWT_SECRET": "s", "STORE_DRIVER": "memory", "AUTH_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			t.Setenv("DB_DSN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
