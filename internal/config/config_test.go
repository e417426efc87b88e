package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		CyclePeriod:           2 * time.Millisecond,
		ExchangeTimeoutUs:     100_000,
		WKCRecoveryThreshold:  3,
		RecoveryTimeoutMs:     500,
		ReinitializationDelay: 200 * time.Millisecond,
		DefaultSettleTimeout:  10 * time.Second,
		FaultRepeatInterval:   5 * time.Second,
		Interface:             "eth1",
		LogFormat:             "text",
		LogLevel:              "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"badFormat", func(c *Config) { c.LogFormat = "xx" }},
		{"badLevel", func(c *Config) { c.LogLevel = "nope" }},
		{"badCyclePeriod", func(c *Config) { c.CyclePeriod = 0 }},
		{"badExchangeTimeout", func(c *Config) { c.ExchangeTimeoutUs = 0 }},
		{"badWKCThreshold", func(c *Config) { c.WKCRecoveryThreshold = 0 }},
		{"badRecoveryTimeout", func(c *Config) { c.RecoveryTimeoutMs = 0 }},
		{"badReinitDelay", func(c *Config) { c.ReinitializationDelay = -1 }},
		{"badSettleTimeout", func(c *Config) { c.DefaultSettleTimeout = 0 }},
		{"badFaultRepeat", func(c *Config) { c.FaultRepeatInterval = 0 }},
		{"emptyInterface", func(c *Config) { c.Interface = "  " }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, ver, err := Parse([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ver {
		t.Fatalf("expected version flag false")
	}
	if cfg.CyclePeriod != 2*time.Millisecond {
		t.Fatalf("unexpected default cycle period: %v", cfg.CyclePeriod)
	}
	if cfg.WKCRecoveryThreshold != 3 {
		t.Fatalf("unexpected default wkc threshold: %v", cfg.WKCRecoveryThreshold)
	}
	if cfg.FaultRepeatInterval != 5*time.Second {
		t.Fatalf("unexpected default fault repeat interval: %v", cfg.FaultRepeatInterval)
	}
}

func TestParse_FlagOverridesEnv(t *testing.T) {
	t.Setenv("DRIVE_ORCH_INTERFACE", "eth9")
	cfg, _, err := Parse([]string{"-interface", "eth5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interface != "eth5" {
		t.Fatalf("expected flag to win, got %q", cfg.Interface)
	}
}

func TestParse_EnvAppliesWhenFlagUnset(t *testing.T) {
	t.Setenv("DRIVE_ORCH_INTERFACE", "eth9")
	cfg, _, err := Parse([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interface != "eth9" {
		t.Fatalf("expected env override, got %q", cfg.Interface)
	}
}
