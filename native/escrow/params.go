package escrow

import (
	"fmt"
	"math/big"
)

// Config is the per-deployment parameter record. Exactly one exists; the
// authority set at first initialization is immutable and is the only identity
// permitted to update the remaining fields or close completed records.
type Config struct {
	Authority       [20]byte
	FeeRecipient    [20]byte
	StandardFeeBps  uint32
	MilestoneFeeBps uint32
	// RequiredAgentStake is the minimum holding of StakeCurrency an agent
	// must carry to start or resolve a dispute. Zero disables the check.
	RequiredAgentStake *big.Int
	StakeCurrency      Currency
}

// Clone returns a deep copy of the config record.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.RequiredAgentStake != nil {
		clone.RequiredAgentStake = new(big.Int).Set(c.RequiredAgentStake)
	} else {
		clone.RequiredAgentStake = big.NewInt(0)
	}
	return &clone
}

// SanitizeConfig validates and normalises the supplied config, returning a
// cloned instance with a non-nil stake amount.
func SanitizeConfig(c *Config) (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidArgument)
	}
	clone := c.Clone()
	if clone.StandardFeeBps > BpsDenominator {
		return nil, fmt.Errorf("%w: standard fee bps out of range: %d", ErrInvalidArgument, clone.StandardFeeBps)
	}
	if clone.MilestoneFeeBps > BpsDenominator {
		return nil, fmt.Errorf("%w: milestone fee bps out of range: %d", ErrInvalidArgument, clone.MilestoneFeeBps)
	}
	if clone.RequiredAgentStake.Sign() < 0 {
		return nil, fmt.Errorf("%w: required agent stake must be non-negative", ErrInvalidArgument)
	}
	if clone.RequiredAgentStake.Cmp(big.NewInt(MaxEscrowAmount)) > 0 {
		return nil, fmt.Errorf("%w: required agent stake exceeds maximum", ErrInvalidArgument)
	}
	if clone.RequiredAgentStake.Sign() > 0 && !clone.StakeCurrency.Valid() {
		return nil, fmt.Errorf("%w: stake currency required when stake check enabled", ErrInvalidArgument)
	}
	return clone, nil
}

// InitializeConfig creates the singleton config record. It is legal exactly
// once per deployment; the caller becomes the immutable authority.
func (e *Engine) InitializeConfig(caller [20]byte, cfg *Config) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: authority must not be the zero address", ErrInvalidArgument)
	}
	if existing, ok := e.state.ConfigGet(); ok && existing.Authority != ([20]byte{}) {
		return nil, ErrAlreadyInitialized
	}
	sanitized, err := SanitizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	sanitized.Authority = caller
	if err := e.state.ConfigPut(sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// UpdateConfig replaces the mutable parameters of the config record. The
// caller must match the stored authority; the authority itself never changes.
func (e *Engine) UpdateConfig(caller [20]byte, cfg *Config) (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	existing, ok := e.state.ConfigGet()
	if !ok || existing.Authority == ([20]byte{}) {
		return nil, fmt.Errorf("%w: config not initialized", ErrInvalidState)
	}
	if caller != existing.Authority {
		return nil, fmt.Errorf("%w: caller is not the config authority", ErrUnauthorized)
	}
	sanitized, err := SanitizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	sanitized.Authority = existing.Authority
	if err := e.state.ConfigPut(sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// Config returns the current config record.
func (e *Engine) Config() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, ok := e.state.ConfigGet()
	if !ok {
		return nil, fmt.Errorf("%w: config not initialized", ErrInvalidState)
	}
	return cfg.Clone(), nil
}

func (e *Engine) loadConfig() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, ok := e.state.ConfigGet()
	if !ok || cfg.Authority == ([20]byte{}) {
		return nil, fmt.Errorf("%w: config not initialized", ErrInvalidState)
	}
	return cfg, nil
}
