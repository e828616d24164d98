package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKey describes a single key + secret pair accepted by the gateway.
type APIKey struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

type Config struct {
	ListenAddress      string   `toml:"ListenAddress"`
	DataDir            string   `toml:"DataDir"`
	Deployment         string   `toml:"Deployment"`
	Authority          string   `toml:"Authority"`
	FeeRecipient       string   `toml:"FeeRecipient"`
	StandardFeeBps     uint32   `toml:"StandardFeeBps"`
	MilestoneFeeBps    uint32   `toml:"MilestoneFeeBps"`
	RequiredAgentStake string   `toml:"RequiredAgentStake"`
	StakeCurrency      string   `toml:"StakeCurrency"`
	Assets             []string `toml:"Assets"`

	TimestampSkew string `toml:"TimestampSkew"`
	NonceTTL      string `toml:"NonceTTL"`
	NonceCapacity int    `toml:"NonceCapacity"`
	RateLimitRPS  int    `toml:"RateLimitRPS"`
	RateBurst     int    `toml:"RateBurst"`

	APIKeys []APIKey `toml:"APIKeys"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8081"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.Deployment) == "" {
		cfg.Deployment = "local"
	}
	if strings.TrimSpace(cfg.TimestampSkew) == "" {
		cfg.TimestampSkew = "2m"
	}
	if strings.TrimSpace(cfg.NonceTTL) == "" {
		cfg.NonceTTL = "4m"
	}
	if cfg.NonceCapacity <= 0 {
		cfg.NonceCapacity = 1024
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.Assets == nil {
		cfg.Assets = []string{}
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = []APIKey{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks the static constraints the engine would reject at runtime
// so a bad file fails fast at startup.
func (c *Config) Validate() error {
	if c.StandardFeeBps > 10_000 {
		return fmt.Errorf("StandardFeeBps %d exceeds 10000", c.StandardFeeBps)
	}
	if c.MilestoneFeeBps > 10_000 {
		return fmt.Errorf("MilestoneFeeBps %d exceeds 10000", c.MilestoneFeeBps)
	}
	if _, err := c.AuthorityAddress(); err != nil {
		return err
	}
	if _, err := c.FeeRecipientAddress(); err != nil {
		return err
	}
	if _, err := c.StakeAmount(); err != nil {
		return err
	}
	if _, err := c.SkewDuration(); err != nil {
		return err
	}
	if _, err := c.NonceTTLDuration(); err != nil {
		return err
	}
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("APIKeys[%d]: key and secret are required", i)
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address, with or without 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return addr, errors.New("address is empty")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("decode address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("address %q must be %d bytes", raw, len(addr))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// AuthorityAddress returns the parsed authority address.
func (c *Config) AuthorityAddress() ([20]byte, error) {
	addr, err := ParseAddress(c.Authority)
	if err != nil {
		return addr, fmt.Errorf("Authority: %w", err)
	}
	return addr, nil
}

// FeeRecipientAddress returns the parsed fee recipient address.
func (c *Config) FeeRecipientAddress() ([20]byte, error) {
	addr, err := ParseAddress(c.FeeRecipient)
	if err != nil {
		return addr, fmt.Errorf("FeeRecipient: %w", err)
	}
	return addr, nil
}

// StakeAmount parses the required agent stake as a decimal integer. An empty
// value means no stake requirement.
func (c *Config) StakeAmount() (*big.Int, error) {
	raw := strings.TrimSpace(c.RequiredAgentStake)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("RequiredAgentStake %q is not a non-negative integer", raw)
	}
	return value, nil
}

// SkewDuration parses the allowed request timestamp skew.
func (c *Config) SkewDuration() (time.Duration, error) {
	dur, err := time.ParseDuration(c.TimestampSkew)
	if err != nil {
		return 0, fmt.Errorf("TimestampSkew: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("TimestampSkew must be positive")
	}
	return dur, nil
}

// NonceTTLDuration parses the replay-protection nonce retention window.
func (c *Config) NonceTTLDuration() (time.Duration, error) {
	dur, err := time.ParseDuration(c.NonceTTL)
	if err != nil {
		return 0, fmt.Errorf("NonceTTL: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("NonceTTL must be positive")
	}
	return dur, nil
}
