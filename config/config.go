package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from TOML. Durations use Go
// syntax ("24h", "168h"); amounts are base-10 strings in token base units.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile"`

	GuardianAddress string `toml:"GuardianAddress"`
	GuardianSecret  string `toml:"GuardianSecret"`

	Oracle    OracleConfig    `toml:"oracle"`
	Protocol  ProtocolConfig  `toml:"protocol"`
	Genesis   []GenesisAlloc  `toml:"genesis"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
}

// OracleConfig selects the price feed.
type OracleConfig struct {
	// Mode is "manual" or "http".
	Mode        string   `toml:"Mode"`
	Endpoints   []string `toml:"Endpoints"`
	APIKey      string   `toml:"APIKey"`
	MaxAge      duration `toml:"MaxAge"`
	ManualPrice string   `toml:"ManualPrice"`
}

// ProtocolConfig carries the insurance parameters.
type ProtocolConfig struct {
	BaseAnnualRateBps   uint64   `toml:"BaseAnnualRateBps"`
	TimeDecayBpsPerHour uint64   `toml:"TimeDecayBpsPerHour"`
	MinPremiumBps       uint64   `toml:"MinPremiumBps"`
	MaxPremiumBps       uint64   `toml:"MaxPremiumBps"`
	MinThresholdBps     uint64   `toml:"MinThresholdBps"`
	MaxThresholdBps     uint64   `toml:"MaxThresholdBps"`
	MaxCoverage         string   `toml:"MaxCoverage"`
	MaxUtilizationBps   uint64   `toml:"MaxUtilizationBps"`
	TimelockDelay       duration `toml:"TimelockDelay"`
	FailsafeDelay       duration `toml:"FailsafeDelay"`
	DefaultSplitBps     uint64   `toml:"DefaultSplitBps"`
	WeekEpoch           string   `toml:"WeekEpoch"`
	WeekLength          duration `toml:"WeekLength"`
}

// GenesisAlloc mints an initial balance for development and testing.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// RateLimitConfig bounds the public API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the configuration from path, writing a default file first if
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8650"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gapguard-data"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Oracle.Mode) == "" {
		cfg.Oracle.Mode = "manual"
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = time.Hour
	}
	p := &cfg.Protocol
	if p.BaseAnnualRateBps == 0 {
		p.BaseAnnualRateBps = 200
	}
	if p.TimeDecayBpsPerHour == 0 {
		p.TimeDecayBpsPerHour = 10
	}
	if p.MinPremiumBps == 0 {
		p.MinPremiumBps = 100
	}
	if p.MaxPremiumBps == 0 {
		p.MaxPremiumBps = 9_500
	}
	if p.MinThresholdBps == 0 {
		p.MinThresholdBps = 100
	}
	if p.MaxThresholdBps == 0 {
		p.MaxThresholdBps = 2_000
	}
	if strings.TrimSpace(p.MaxCoverage) == "" {
		p.MaxCoverage = "100000000000000000000000"
	}
	if p.MaxUtilizationBps == 0 {
		p.MaxUtilizationBps = 8_000
	}
	if p.TimelockDelay.Duration == 0 {
		p.TimelockDelay.Duration = 24 * time.Hour
	}
	if p.FailsafeDelay.Duration == 0 {
		p.FailsafeDelay.Duration = 48 * time.Hour
	}
	if p.DefaultSplitBps == 0 {
		p.DefaultSplitBps = 9_300
	}
	if strings.TrimSpace(p.WeekEpoch) == "" {
		p.WeekEpoch = "2024-01-05T21:00:00Z"
	}
	if p.WeekLength.Duration == 0 {
		p.WeekLength.Duration = 7 * 24 * time.Hour
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
}

// Validate rejects configurations that would misprice or misroute funds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.GuardianAddress) == "" {
		return fmt.Errorf("config: GuardianAddress is required")
	}
	if _, err := c.GuardianAddressBytes(); err != nil {
		return err
	}
	p := c.Protocol
	if p.MinPremiumBps >= p.MaxPremiumBps {
		return fmt.Errorf("config: MinPremiumBps %d must be below MaxPremiumBps %d", p.MinPremiumBps, p.MaxPremiumBps)
	}
	if p.MaxPremiumBps > 10_000 {
		return fmt.Errorf("config: MaxPremiumBps %d exceeds 10000", p.MaxPremiumBps)
	}
	if p.MinThresholdBps == 0 || p.MinThresholdBps >= p.MaxThresholdBps {
		return fmt.Errorf("config: threshold range [%d, %d] invalid", p.MinThresholdBps, p.MaxThresholdBps)
	}
	if p.DefaultSplitBps == 0 || p.DefaultSplitBps > 10_000 {
		return fmt.Errorf("config: DefaultSplitBps %d out of range", p.DefaultSplitBps)
	}
	if _, err := c.MaxCoverageAmount(); err != nil {
		return err
	}
	if _, err := c.WeekEpochTime(); err != nil {
		return err
	}
	switch c.Oracle.Mode {
	case "manual":
	case "http":
		if len(c.Oracle.Endpoints) == 0 {
			return fmt.Errorf("config: oracle mode http needs at least one endpoint")
		}
	default:
		return fmt.Errorf("config: unknown oracle mode %q", c.Oracle.Mode)
	}
	return nil
}

// GuardianAddressBytes decodes the guardian address.
func (c *Config) GuardianAddressBytes() ([20]byte, error) {
	var addr [20]byte
	raw := strings.TrimPrefix(strings.TrimSpace(c.GuardianAddress), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(addr) {
		return addr, fmt.Errorf("config: GuardianAddress must be 20 hex bytes")
	}
	copy(addr[:], decoded)
	return addr, nil
}

// MaxCoverageAmount parses the per-policy coverage cap.
func (c *Config) MaxCoverageAmount() (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(c.Protocol.MaxCoverage), 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("config: invalid MaxCoverage %q", c.Protocol.MaxCoverage)
	}
	return value, nil
}

// WeekEpochTime parses the settlement-week epoch.
func (c *Config) WeekEpochTime() (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Protocol.WeekEpoch))
	if err != nil {
		return time.Time{}, fmt.Errorf("config: invalid WeekEpoch: %w", err)
	}
	return parsed.UTC(), nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
