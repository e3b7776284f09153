package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aicf.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file should be written: %v", err)
	}
	if cfg.Node.RPCAddress != ":8545" {
		t.Fatalf("unexpected default rpc address %q", cfg.Node.RPCAddress)
	}

	// A second load round-trips the persisted file.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Split.AI.ProviderBps != 8_500 || again.Split.Quantum.ProviderBps != 8_000 {
		t.Fatalf("split defaults lost on round-trip: %+v", again.Split)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aicf.toml")
	t.Setenv("AICF_RPC_ADDRESS", ":9999")
	t.Setenv("AICF_LOG_LEVEL", "debug")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.RPCAddress != ":9999" {
		t.Fatalf("env override ignored, got %q", cfg.Node.RPCAddress)
	}
	if cfg.Node.LogLevel != "debug" {
		t.Fatalf("env override ignored, got %q", cfg.Node.LogLevel)
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad split sum", func(c *Config) { c.Split.AI.ProviderBps = 1 }},
		{"negative stake", func(c *Config) { c.Stake.MinStakeAI = "-5" }},
		{"zero lease", func(c *Config) { c.Scheduler.LeaseSeconds = 0 }},
		{"rollover above one", func(c *Config) { c.Epoch.RolloverRate = "3/2" }},
		{"unsupported confidence", func(c *Config) { c.SLA.Confidence = 0.5 }},
		{"jitter out of range", func(c *Config) { c.Retry.JitterFraction = 1 }},
		{"bad rounding", func(c *Config) { c.Payouts.Rounding = "truncate" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: validation should fail", tc.name)
		}
	}
}

func TestDerivedParams(t *testing.T) {
	cfg := Default()

	reg, err := cfg.RegistryConfig()
	if err != nil {
		t.Fatalf("registry config: %v", err)
	}
	if reg.MinStakeAI.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("min stake: %s", reg.MinStakeAI)
	}

	retry, err := cfg.RetryPolicy()
	if err != nil {
		t.Fatalf("retry policy: %v", err)
	}
	if retry.BaseDelay != 5*time.Second || retry.MaxDelay != 10*time.Minute {
		t.Fatalf("retry delays: %+v", retry)
	}

	params, err := cfg.PricingParams(true)
	if err != nil {
		t.Fatalf("pricing params: %v", err)
	}
	if params.RatePerUnit.RatString() != "2" {
		t.Fatalf("ai rate: %s", params.RatePerUnit.RatString())
	}

	ep, err := cfg.EpochParams()
	if err != nil {
		t.Fatalf("epoch params: %v", err)
	}
	if ep.RolloverRate.RatString() != "1/2" {
		t.Fatalf("rollover: %s", ep.RolloverRate.RatString())
	}

	wp, err := cfg.WithdrawalParams()
	if err != nil {
		t.Fatalf("withdrawal params: %v", err)
	}
	if wp.DelayBlocks != 20 {
		t.Fatalf("delay blocks: %d", wp.DelayBlocks)
	}
}
