package config

import (
	"testing"
	"time"

	"github.com/minasoft/lis-hl7/internal/db"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"HL7_LISTEN_PORT", "WEB_PORT", "STORE_DRIVER", "NATS_ENABLED", "FORWARD_HOST",
		"RESULT_UPSERT_POLICY", "MAX_FRAME_BYTES", "PARTIAL_FRAME_TIMEOUT",
		"PROCESSING_TIMEOUT", "IDLE_TIMEOUT", "ACCEPT_RATE", "ACCEPT_BURST",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.HL7ListenPort != 2027 || cfg.WebPort != 5678 {
		t.Errorf("ports = %d / %d", cfg.HL7ListenPort, cfg.WebPort)
	}
	if cfg.StoreDriver != StoreDriverPostgres || !cfg.NATSEnabled {
		t.Errorf("driver = %q nats = %v", cfg.StoreDriver, cfg.NATSEnabled)
	}
	if cfg.ResultUpsertPolicy != db.UpsertOverwrite {
		t.Errorf("policy = %q", cfg.ResultUpsertPolicy)
	}
	if cfg.MaxFrameBytes != 1<<20 || cfg.PartialFrameTimeout != 30*time.Second || cfg.IdleTimeout != 0 {
		t.Errorf("session limits = %d %s %s", cfg.MaxFrameBytes, cfg.PartialFrameTimeout, cfg.IdleTimeout)
	}
	if cfg.ForwardEndpoint() != "" {
		t.Errorf("forward endpoint = %q", cfg.ForwardEndpoint())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HL7_LISTEN_PORT", "3000")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("NATS_ENABLED", "false")
	t.Setenv("FORWARD_HOST", "his.local")
	t.Setenv("FORWARD_PORT", "6661")
	t.Setenv("RESULT_UPSERT_POLICY", "keep-existing")
	t.Setenv("PROCESSING_TIMEOUT", "5s")
	t.Setenv("IDLE_TIMEOUT", "not-a-duration")
	t.Setenv("ACCEPT_RATE", "2.5")

	cfg := FromEnv()
	if cfg.HL7ListenPort != 3000 || cfg.StoreDriver != StoreDriverMemory || cfg.NATSEnabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ForwardEndpoint() != "his.local:6661" {
		t.Errorf("forward endpoint = %q", cfg.ForwardEndpoint())
	}
	if cfg.ResultUpsertPolicy != db.UpsertKeepExisting {
		t.Errorf("policy = %q", cfg.ResultUpsertPolicy)
	}
	if cfg.ProcessingTimeout != 5*time.Second || cfg.IdleTimeout != 0 {
		t.Errorf("timeouts = %s %s", cfg.ProcessingTimeout, cfg.IdleTimeout)
	}

	sc := cfg.ServerConfig()
	if sc.Addr != ":3000" || sc.AcceptRate != 2.5 || sc.Session.ProcessingTimeout != 5*time.Second {
		t.Errorf("server config = %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.StoreDriver = "sqlite" }},
		{"policy", func(c *Config) { c.ResultUpsertPolicy = "merge" }},
		{"port", func(c *Config) { c.HL7ListenPort = 0 }},
		{"web port", func(c *Config) { c.WebPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
