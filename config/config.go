package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"aicf/core/types"
	"aicf/native/epoch"
	"aicf/native/pricing"
	"aicf/native/registry"
	"aicf/native/sched"
	"aicf/native/sla"
	"aicf/native/treasury"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "AICF_"

type Node struct {
	DataDir        string `toml:"DataDir"`
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	Environment    string `toml:"Environment"`
	LogLevel       string `toml:"LogLevel"`
	LogFile        string `toml:"LogFile"`
	ArchivePath    string `toml:"ArchivePath"`
	PolicyFile     string `toml:"PolicyFile"`
}

type Scheduler struct {
	LeaseSeconds         uint64 `toml:"LeaseSeconds"`
	BatchSize            int    `toml:"BatchSize"`
	EpochLength          uint64 `toml:"EpochLength"`
	StartHeight          uint64 `toml:"StartHeight"`
	AIUnitsPerEpoch      uint64 `toml:"AIUnitsPerEpoch"`
	QuantumUnitsPerEpoch uint64 `toml:"QuantumUnitsPerEpoch"`
	MaxConcurrent        int    `toml:"MaxConcurrent"`
}

type Retry struct {
	BaseDelaySecs  uint64  `toml:"BaseDelaySeconds"`
	MaxDelaySecs   uint64  `toml:"MaxDelaySeconds"`
	Multiplier     float64 `toml:"Multiplier"`
	JitterFraction float64 `toml:"JitterFraction"`
	AttemptsCap    uint32  `toml:"AttemptsCap"`
	MaxAgeSecs     uint64  `toml:"MaxAgeSeconds"`
}

type Stake struct {
	MinStakeAI        string `toml:"MinStakeAI"`
	MinStakeQuantum   string `toml:"MinStakeQuantum"`
	UnlockDelayBlocks uint64 `toml:"UnlockDelayBlocks"`
}

type Payouts struct {
	AIRatePerUnit      string `toml:"AIRatePerUnit"`
	QuantumRatePerUnit string `toml:"QuantumRatePerUnit"`
	Rounding           string `toml:"Rounding"`
	MinReward          string `toml:"MinReward"`
	MaxReward          string `toml:"MaxReward"`
	HardCap            string `toml:"HardCap"`
}

type Split struct {
	AI      pricing.SplitRule `toml:"ai"`
	Quantum pricing.SplitRule `toml:"quantum"`
	// MinerAddress receives the miner share of every reward. When empty the
	// miner share accrues to the treasury instead.
	MinerAddress string `toml:"MinerAddress"`
}

type Epoch struct {
	StartHeight  uint64 `toml:"StartHeight"`
	Length       uint64 `toml:"Length"`
	BaseBudget   string `toml:"BaseBudget"`
	RolloverRate string `toml:"RolloverRate"`
}

type SLA struct {
	TrapsMin        float64 `toml:"TrapsMin"`
	QoSMin          float64 `toml:"QoSMin"`
	MaxLatencyMs    float64 `toml:"MaxLatencyMs"`
	AvailabilityMin float64 `toml:"AvailabilityMin"`
	Confidence      float64 `toml:"Confidence"`
}

type Slashing struct {
	BaseBps    uint32 `toml:"BaseBps"`
	MinSlash   string `toml:"MinSlash"`
	MaxSlash   string `toml:"MaxSlash"`
	WindowSecs uint64 `toml:"WindowSeconds"`
	JailAfter  int    `toml:"JailAfter"`
	JailBlocks uint64 `toml:"JailBlocks"`
}

type WithdrawalsSection struct {
	MinAmount             string `toml:"MinAmount"`
	CooldownBlocks        uint64 `toml:"CooldownBlocks"`
	DelayBlocks           uint64 `toml:"DelayBlocks"`
	MaxPendingPerProvider int    `toml:"MaxPendingPerProvider"`
	MaxPerBlockExecute    int    `toml:"MaxPerBlockExecute"`
}

type RPC struct {
	RateLimitPerSec float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst  int     `toml:"RateLimitBurst"`
	JWTSecretEnv    string  `toml:"JWTSecretEnv"`
	AllowAnonReads  bool    `toml:"AllowAnonymousReads"`
	WebsocketBuffer int     `toml:"WebsocketBuffer"`
}

type Telemetry struct {
	OTLPEndpoint string  `toml:"OTLPEndpoint"`
	Insecure     bool    `toml:"Insecure"`
	Metrics      bool    `toml:"Metrics"`
	Traces       bool    `toml:"Traces"`
	SampleRatio  float64 `toml:"SampleRatio"`
	Headers      string  `toml:"Headers"`
}

// Config is the full daemon configuration.
type Config struct {
	Node        Node               `toml:"node"`
	Scheduler   Scheduler          `toml:"sched"`
	Retry       Retry              `toml:"retry"`
	Stake       Stake              `toml:"stake"`
	Payouts     Payouts            `toml:"payouts"`
	Split       Split              `toml:"split"`
	Epoch       Epoch              `toml:"epoch"`
	SLA         SLA                `toml:"sla"`
	Slashing    Slashing           `toml:"slashing"`
	Withdrawals WithdrawalsSection `toml:"withdrawals"`
	RPC         RPC                `toml:"rpc"`
	Telemetry   Telemetry          `toml:"telemetry"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Node: Node{
			DataDir:        "./aicf-data",
			RPCAddress:     ":8545",
			MetricsAddress: ":9090",
			Environment:    "dev",
			LogLevel:       "info",
		},
		Scheduler: Scheduler{
			LeaseSeconds:         120,
			BatchSize:            256,
			EpochLength:          100,
			AIUnitsPerEpoch:      10_000,
			QuantumUnitsPerEpoch: 1_000,
			MaxConcurrent:        4,
		},
		Retry: Retry{
			BaseDelaySecs:  5,
			MaxDelaySecs:   600,
			Multiplier:     2,
			JitterFraction: 0.1,
			AttemptsCap:    8,
			MaxAgeSecs:     86_400,
		},
		Stake: Stake{
			MinStakeAI:        "1000",
			MinStakeQuantum:   "5000",
			UnlockDelayBlocks: 100,
		},
		Payouts: Payouts{
			AIRatePerUnit:      "2",
			QuantumRatePerUnit: "5",
			Rounding:           "floor",
		},
		Split: Split{
			AI:      pricing.DefaultSplitFor(types.KindAI),
			Quantum: pricing.DefaultSplitFor(types.KindQuantum),
		},
		Epoch: Epoch{
			Length:       100,
			BaseBudget:   "1000000",
			RolloverRate: "1/2",
		},
		SLA: SLA{
			TrapsMin:        0.98,
			QoSMin:          0.90,
			MaxLatencyMs:    5_000,
			AvailabilityMin: 0.95,
			Confidence:      0.95,
		},
		Slashing: Slashing{
			BaseBps:    1_000,
			MinSlash:   "100",
			MaxSlash:   "1000000",
			WindowSecs: 3_600,
			JailAfter:  3,
			JailBlocks: 100,
		},
		Withdrawals: WithdrawalsSection{
			MinAmount:             "100",
			CooldownBlocks:        10,
			DelayBlocks:           20,
			MaxPendingPerProvider: 4,
			MaxPerBlockExecute:    16,
		},
		RPC: RPC{
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
			JWTSecretEnv:    EnvPrefix + "RPC_JWT_SECRET",
			AllowAnonReads:  true,
			WebsocketBuffer: 64,
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "localhost:4318",
			Insecure:     true,
		},
	}
}

// Load reads the configuration at path, creating a default file when it does
// not exist, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnv overlays AICF_-prefixed environment variables onto the decoded
// file. Only operational knobs are overridable; economic tuning stays in the
// file.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"DATA_DIR", &cfg.Node.DataDir},
		{"RPC_ADDRESS", &cfg.Node.RPCAddress},
		{"METRICS_ADDRESS", &cfg.Node.MetricsAddress},
		{"ENVIRONMENT", &cfg.Node.Environment},
		{"LOG_LEVEL", &cfg.Node.LogLevel},
		{"LOG_FILE", &cfg.Node.LogFile},
		{"ARCHIVE_PATH", &cfg.Node.ArchivePath},
		{"POLICY_FILE", &cfg.Node.PolicyFile},
		{"OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint},
		{"OTLP_HEADERS", &cfg.Telemetry.Headers},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(EnvPrefix + o.key); ok && strings.TrimSpace(value) != "" {
			*o.dst = strings.TrimSpace(value)
		}
	}
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative integer, got %q", field, raw)
	}
	return value, nil
}

func requireAmount(field, raw string) (*big.Int, error) {
	value, err := parseAmount(field, raw)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("config: %s is required", field)
	}
	return value, nil
}

func parseRat(field, raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("config: %s is required", field)
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative rational, got %q", field, raw)
	}
	return value, nil
}

// Validate materialises every derived parameter set once so a bad file fails
// at startup rather than mid-flight.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.RPCAddress) == "" {
		return fmt.Errorf("config: node.RPCAddress is required")
	}
	if _, err := c.RegistryConfig(); err != nil {
		return err
	}
	if _, err := c.SchedulerConfig(); err != nil {
		return err
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	for _, ai := range []bool{true, false} {
		if _, err := c.PricingParams(ai); err != nil {
			return err
		}
	}
	if err := c.Split.AI.Validate(); err != nil {
		return fmt.Errorf("config: split.ai: %w", err)
	}
	if err := c.Split.Quantum.Validate(); err != nil {
		return fmt.Errorf("config: split.quantum: %w", err)
	}
	if _, err := c.EpochParams(); err != nil {
		return err
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if _, err := c.SlashParams(); err != nil {
		return err
	}
	if _, err := c.WithdrawalParams(); err != nil {
		return err
	}
	if c.RPC.RateLimitPerSec <= 0 || c.RPC.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rpc rate limits must be positive")
	}
	return nil
}

// RegistryConfig derives the provider registry thresholds.
func (c *Config) RegistryConfig() (registry.Config, error) {
	minAI, err := requireAmount("stake.MinStakeAI", c.Stake.MinStakeAI)
	if err != nil {
		return registry.Config{}, err
	}
	minQuantum, err := requireAmount("stake.MinStakeQuantum", c.Stake.MinStakeQuantum)
	if err != nil {
		return registry.Config{}, err
	}
	out := registry.Config{
		MinStakeAI:        minAI,
		MinStakeQuantum:   minQuantum,
		UnlockDelayBlocks: c.Stake.UnlockDelayBlocks,
	}
	if err := out.Validate(); err != nil {
		return registry.Config{}, fmt.Errorf("config: stake: %w", err)
	}
	return out, nil
}

// SchedulerConfig derives the dispatcher tuning.
func (c *Config) SchedulerConfig() (sched.EngineConfig, error) {
	if c.Scheduler.LeaseSeconds == 0 || c.Scheduler.BatchSize <= 0 || c.Scheduler.EpochLength == 0 {
		return sched.EngineConfig{}, fmt.Errorf("config: sched lease, batch and epoch length must be positive")
	}
	return sched.EngineConfig{
		LeaseSeconds: c.Scheduler.LeaseSeconds,
		BatchSize:    c.Scheduler.BatchSize,
		EpochLength:  c.Scheduler.EpochLength,
		StartHeight:  c.Scheduler.StartHeight,
	}, nil
}

// QuotaLimits derives the per-epoch provider caps.
func (c *Config) QuotaLimits() sched.QuotaLimits {
	return sched.QuotaLimits{
		AIUnitsPerEpoch:      c.Scheduler.AIUnitsPerEpoch,
		QuantumUnitsPerEpoch: c.Scheduler.QuantumUnitsPerEpoch,
		MaxConcurrent:        c.Scheduler.MaxConcurrent,
	}
}

// RetryPolicy derives the backoff tuning.
func (c *Config) RetryPolicy() (sched.RetryPolicy, error) {
	if c.Retry.Multiplier < 1 {
		return sched.RetryPolicy{}, fmt.Errorf("config: retry.Multiplier must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		return sched.RetryPolicy{}, fmt.Errorf("config: retry.JitterFraction must be in [0, 1)")
	}
	return sched.RetryPolicy{
		BaseDelay:      time.Duration(c.Retry.BaseDelaySecs) * time.Second,
		MaxDelay:       time.Duration(c.Retry.MaxDelaySecs) * time.Second,
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.JitterFraction,
		AttemptsCap:    c.Retry.AttemptsCap,
		MaxAge:         time.Duration(c.Retry.MaxAgeSecs) * time.Second,
	}, nil
}

// PricingParams derives the reward tuning for one workload family.
func (c *Config) PricingParams(ai bool) (pricing.Params, error) {
	rateRaw := c.Payouts.AIRatePerUnit
	field := "payouts.AIRatePerUnit"
	if !ai {
		rateRaw = c.Payouts.QuantumRatePerUnit
		field = "payouts.QuantumRatePerUnit"
	}
	rate, err := parseRat(field, rateRaw)
	if err != nil {
		return pricing.Params{}, err
	}
	rounding, err := pricing.ParseRoundingMode(c.Payouts.Rounding)
	if err != nil {
		return pricing.Params{}, fmt.Errorf("config: payouts.Rounding: %w", err)
	}
	minReward, err := parseAmount("payouts.MinReward", c.Payouts.MinReward)
	if err != nil {
		return pricing.Params{}, err
	}
	maxReward, err := parseAmount("payouts.MaxReward", c.Payouts.MaxReward)
	if err != nil {
		return pricing.Params{}, err
	}
	hardCap, err := parseAmount("payouts.HardCap", c.Payouts.HardCap)
	if err != nil {
		return pricing.Params{}, err
	}
	params := pricing.Params{
		RatePerUnit: rate,
		Rounding:    rounding,
		MinReward:   minReward,
		MaxReward:   maxReward,
		HardCap:     hardCap,
	}
	if err := params.Validate(); err != nil {
		return pricing.Params{}, fmt.Errorf("config: payouts: %w", err)
	}
	return params, nil
}

// EpochParams derives the budget schedule.
func (c *Config) EpochParams() (epoch.Params, error) {
	budget, err := requireAmount("epoch.BaseBudget", c.Epoch.BaseBudget)
	if err != nil {
		return epoch.Params{}, err
	}
	rollover, err := parseRat("epoch.RolloverRate", c.Epoch.RolloverRate)
	if err != nil {
		return epoch.Params{}, err
	}
	if rollover.Cmp(big.NewRat(1, 1)) > 0 {
		return epoch.Params{}, fmt.Errorf("config: epoch.RolloverRate must not exceed 1")
	}
	params := epoch.Params{
		StartHeight:  c.Epoch.StartHeight,
		Length:       c.Epoch.Length,
		BaseBudget:   budget,
		RolloverRate: rollover,
	}
	if err := params.Validate(); err != nil {
		return epoch.Params{}, fmt.Errorf("config: epoch: %w", err)
	}
	return params, nil
}

// Thresholds derives the SLA gates.
func (c *Config) Thresholds() (sla.Thresholds, error) {
	thresholds := sla.Thresholds{
		TrapsMin:        c.SLA.TrapsMin,
		QoSMin:          c.SLA.QoSMin,
		MaxLatencyMs:    c.SLA.MaxLatencyMs,
		AvailabilityMin: c.SLA.AvailabilityMin,
		Confidence:      sla.Confidence(c.SLA.Confidence),
	}
	if err := thresholds.Validate(); err != nil {
		return sla.Thresholds{}, fmt.Errorf("config: sla: %w", err)
	}
	return thresholds, nil
}

// SlashParams derives the penalty tuning.
func (c *Config) SlashParams() (sla.SlashParams, error) {
	minSlash, err := requireAmount("slashing.MinSlash", c.Slashing.MinSlash)
	if err != nil {
		return sla.SlashParams{}, err
	}
	maxSlash, err := requireAmount("slashing.MaxSlash", c.Slashing.MaxSlash)
	if err != nil {
		return sla.SlashParams{}, err
	}
	params := sla.SlashParams{
		BaseBps:    c.Slashing.BaseBps,
		MinSlash:   minSlash,
		MaxSlash:   maxSlash,
		Window:     time.Duration(c.Slashing.WindowSecs) * time.Second,
		JailAfter:  c.Slashing.JailAfter,
		JailBlocks: c.Slashing.JailBlocks,
	}
	if err := params.Validate(); err != nil {
		return sla.SlashParams{}, fmt.Errorf("config: slashing: %w", err)
	}
	return params, nil
}

// WithdrawalParams derives the withdrawal queue tuning.
func (c *Config) WithdrawalParams() (treasury.WithdrawalParams, error) {
	minAmount, err := requireAmount("withdrawals.MinAmount", c.Withdrawals.MinAmount)
	if err != nil {
		return treasury.WithdrawalParams{}, err
	}
	params := treasury.WithdrawalParams{
		MinAmount:             minAmount,
		CooldownBlocks:        c.Withdrawals.CooldownBlocks,
		DelayBlocks:           c.Withdrawals.DelayBlocks,
		MaxPendingPerProvider: c.Withdrawals.MaxPendingPerProvider,
		MaxPerBlockExecute:    big.NewInt(int64(c.Withdrawals.MaxPerBlockExecute)),
	}
	if err := params.Validate(); err != nil {
		return treasury.WithdrawalParams{}, fmt.Errorf("config: withdrawals: %w", err)
	}
	return params, nil
}
