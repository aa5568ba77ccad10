// Package sybil is the validator admission gate. Qualification resolves
// against the on-chain registry when one is configured and falls back to
// the off-chain record store on any registry failure.
package sybil

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/taskmesh/taskmesh-backend/internal/registry"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/network"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Qualification defaults.
const (
	DefaultMinStakeUSD   = 100.0
	DefaultMinReputation = 70.0

	// Reputation update rule: adjust first, then subtract DecayRate of the
	// post-adjustment value.
	DefaultReputationGain    = 1.0
	DefaultReputationPenalty = 5.0
	DefaultDecayRate         = 0.01
)

// OnchainRegistry is the slice of the registry client the gate reads.
type OnchainRegistry interface {
	ValidatorInfo(ctx context.Context, address string) (*registry.ValidatorInfo, error)
}

// Store persists off-chain validator profiles.
type Store interface {
	GetValidator(ctx context.Context, address string) (*types.ValidatorProfile, error)
	PutValidator(ctx context.Context, profile *types.ValidatorProfile) error
}

// PriceConverter converts native-token stakes to USD. The pricing service
// satisfies this and never fails; it degrades to its fallback table instead.
type PriceConverter interface {
	ConvertToUSD(ctx context.Context, chainID int64, amountWei *big.Int) float64
}

// Config holds the gate's qualification thresholds.
type Config struct {
	MinStakeUSD   float64
	MinReputation float64 // inclusive lower bound
	ChainID       int64   // chain the on-chain stake is denominated on

	ReputationGain    float64
	ReputationPenalty float64
	DecayRate         float64
}

// DefaultConfig returns the standard gate thresholds.
func DefaultConfig() Config {
	return Config{
		MinStakeUSD:       DefaultMinStakeUSD,
		MinReputation:     DefaultMinReputation,
		ReputationGain:    DefaultReputationGain,
		ReputationPenalty: DefaultReputationPenalty,
		DecayRate:         DefaultDecayRate,
	}
}

// Gate decides whether an address may act as a validator.
type Gate struct {
	store    Store
	registry OnchainRegistry // nil when no registry is configured
	pricing  PriceConverter
	config   Config
	logger   logging.Logger
}

// NewGate wires the admission gate. registry is optional; when given,
// pricing must be given too so on-chain stakes can be valued.
func NewGate(store Store, onchain OnchainRegistry, pricing PriceConverter, config Config, logger logging.Logger) (*Gate, error) {
	if store == nil {
		return nil, &errors.InvalidConfigurationError{Field: "sybil.store", Detail: "off-chain validator store is required"}
	}
	if onchain != nil && pricing == nil {
		return nil, &errors.InvalidConfigurationError{Field: "sybil.pricing", Detail: "price converter is required when an on-chain registry is configured"}
	}
	if config.MinStakeUSD < 0 || config.MinReputation < types.MinReputation || config.MinReputation > types.MaxReputation {
		return nil, &errors.InvalidConfigurationError{Field: "sybil.thresholds", Detail: "stake minimum must be non-negative and reputation minimum within [0,100]"}
	}
	if config.DecayRate < 0 || config.DecayRate >= 1 {
		return nil, &errors.InvalidConfigurationError{Field: "sybil.decay_rate", Detail: "decay rate must be within [0,1)"}
	}
	return &Gate{
		store:    store,
		registry: onchain,
		pricing:  pricing,
		config:   config,
		logger:   logger,
	}, nil
}

// Qualify resolves a validator's admission verdict. The returned
// qualification carries itemized reasons whenever Qualified is false.
// An error is returned only for infrastructure failures on the off-chain
// path; on-chain failures fall back instead of erroring.
func (g *Gate) Qualify(ctx context.Context, address string) (*types.ValidatorQualification, error) {
	if g.registry != nil {
		qualification, err := g.qualifyOnchain(ctx, address)
		if err == nil {
			return qualification, nil
		}
		g.logger.Warnf("On-chain qualification for %s failed, falling back to off-chain records: %v", address, err)
	}
	return g.qualifyOffchain(ctx, address)
}

// Require is Qualify with the rejection folded into the error: a negative
// verdict becomes an UnqualifiedValidatorError carrying every failed check.
func (g *Gate) Require(ctx context.Context, address string) error {
	qualification, err := g.Qualify(ctx, address)
	if err != nil {
		return err
	}
	if !qualification.Qualified {
		return &errors.UnqualifiedValidatorError{Address: address, Reasons: qualification.Reasons}
	}
	return nil
}

func (g *Gate) qualifyOnchain(ctx context.Context, address string) (*types.ValidatorQualification, error) {
	info, err := g.registry.ValidatorInfo(ctx, address)
	if err != nil {
		return nil, err
	}

	var reasons []string
	if !info.Registered {
		reasons = append(reasons, "address is not registered on-chain")
	}

	stakeUSD := 0.0
	if info.Stake != nil && info.Stake.Sign() > 0 {
		stakeUSD = g.pricing.ConvertToUSD(ctx, g.config.ChainID, info.Stake)
	}
	if stakeUSD < g.config.MinStakeUSD {
		reasons = append(reasons, fmt.Sprintf("stake $%.2f below required minimum $%.2f", stakeUSD, g.config.MinStakeUSD))
	}
	if info.Reputation < g.config.MinReputation {
		reasons = append(reasons, fmt.Sprintf("reputation %.2f below required minimum %.2f", info.Reputation, g.config.MinReputation))
	}
	if err := network.ValidateEndpoint(info.Endpoint); err != nil {
		reasons = append(reasons, fmt.Sprintf("peer endpoint unusable: %v", err))
	}

	return &types.ValidatorQualification{
		Address:    address,
		Qualified:  len(reasons) == 0,
		Reasons:    reasons,
		StakeUSD:   stakeUSD,
		Reputation: info.Reputation,
		Source:     types.QualificationSourceOnchain,
	}, nil
}

func (g *Gate) qualifyOffchain(ctx context.Context, address string) (*types.ValidatorQualification, error) {
	profile, err := g.store.GetValidator(ctx, address)
	if err != nil {
		if errors.IsNotFound(err) {
			return &types.ValidatorQualification{
				Address:   address,
				Qualified: false,
				Reasons:   []string{"no validator record found"},
				Source:    types.QualificationSourceOffchain,
			}, nil
		}
		return nil, fmt.Errorf("failed to load validator record for %s: %w", address, err)
	}

	var reasons []string
	if profile.StakeUSD < g.config.MinStakeUSD {
		reasons = append(reasons, fmt.Sprintf("stake $%.2f below required minimum $%.2f", profile.StakeUSD, g.config.MinStakeUSD))
	}
	if profile.Reputation < g.config.MinReputation {
		reasons = append(reasons, fmt.Sprintf("reputation %.2f below required minimum %.2f", profile.Reputation, g.config.MinReputation))
	}
	if !profile.Active {
		reasons = append(reasons, "validator is not active")
	}
	if profile.Banned {
		reasons = append(reasons, "validator is banned")
	}

	return &types.ValidatorQualification{
		Address:    address,
		Qualified:  len(reasons) == 0,
		Reasons:    reasons,
		StakeUSD:   profile.StakeUSD,
		Reputation: profile.Reputation,
		Source:     types.QualificationSourceOffchain,
	}, nil
}

// UpdateReputation applies the post-settlement reputation rule to a
// validator's off-chain record and returns the stored value. correct means
// the validator's verdict matched the consensus outcome.
func (g *Gate) UpdateReputation(ctx context.Context, address string, correct bool) (float64, error) {
	profile, err := g.store.GetValidator(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to load validator record for %s: %w", address, err)
	}

	previous := profile.Reputation
	profile.Reputation = AdjustReputation(previous, correct, g.config)
	profile.UpdatedAt = time.Now().UTC()

	if err := g.store.PutValidator(ctx, profile); err != nil {
		return 0, fmt.Errorf("failed to store reputation for %s: %w", address, err)
	}
	g.logger.Debugf("Reputation for %s updated %.2f -> %.2f (correct=%t)", address, previous, profile.Reputation, correct)
	return profile.Reputation, nil
}

// AdjustReputation applies the adjust-then-decay rule: the gain or penalty
// moves the score first (clamped to [0,100]), then DecayRate of the
// post-adjustment value is subtracted.
func AdjustReputation(current float64, correct bool, config Config) float64 {
	adjusted := current
	if correct {
		adjusted += config.ReputationGain
		if adjusted > types.MaxReputation {
			adjusted = types.MaxReputation
		}
	} else {
		adjusted -= config.ReputationPenalty
		if adjusted < types.MinReputation {
			adjusted = types.MinReputation
		}
	}
	decayed := adjusted - adjusted*config.DecayRate
	if decayed < types.MinReputation {
		decayed = types.MinReputation
	}
	return decayed
}
