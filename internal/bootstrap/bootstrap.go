// Package bootstrap keeps a thin network usable. When the network has no
// independent validators or no independent miners it converts roles,
// escalates confirmation requirements by deposit value and degrades output
// evaluation to user choice instead of refusing work.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Economic escalation tiers.
const (
	DefaultHighValueUSD     = 1_000.0
	DefaultCriticalValueUSD = 10_000.0

	BaseConfirmations      = 1
	HighValueConfirmations = 3
	DefaultSafetyDelay     = time.Hour
)

// PopulationSource reports network-wide role counts. The on-chain registry
// client satisfies this.
type PopulationSource interface {
	ValidatorCount(ctx context.Context) (int, error)
	MinerCount(ctx context.Context) (int, error)
}

// PriceConverter values deposits in USD. The pricing service satisfies this
// and never fails.
type PriceConverter interface {
	ConvertToUSD(ctx context.Context, chainID int64, amountWei *big.Int) float64
}

// Population is the per-task view of who can act on it: validators assigned
// to the task and miners that submitted outputs.
type Population struct {
	Validators []string
	Miners     []string
}

// Config holds the controller's escalation thresholds.
type Config struct {
	HighValueUSD     float64
	CriticalValueUSD float64
	SafetyDelay      time.Duration
}

// DefaultConfig returns the standard escalation tiers.
func DefaultConfig() Config {
	return Config{
		HighValueUSD:     DefaultHighValueUSD,
		CriticalValueUSD: DefaultCriticalValueUSD,
		SafetyDelay:      DefaultSafetyDelay,
	}
}

// Controller plans and runs task processing under degenerate populations.
type Controller struct {
	source  PopulationSource
	pricing PriceConverter
	ranker  oracle.Ranker
	config  Config
	logger  logging.Logger
}

// NewController wires the bootstrap controller. source, pricing and ranker
// are each optional; missing collaborators degrade to the conservative path.
func NewController(source PopulationSource, pricing PriceConverter, ranker oracle.Ranker, config Config, logger logging.Logger) (*Controller, error) {
	if config.HighValueUSD <= 0 || config.CriticalValueUSD <= config.HighValueUSD {
		return nil, &errors.InvalidConfigurationError{
			Field:  "bootstrap.tiers",
			Detail: "critical tier must exceed the positive high-value tier",
		}
	}
	if config.SafetyDelay < 0 {
		return nil, &errors.InvalidConfigurationError{Field: "bootstrap.safety_delay", Detail: "safety delay must be non-negative"}
	}
	return &Controller{
		source:  source,
		pricing: pricing,
		ranker:  ranker,
		config:  config,
		logger:  logger,
	}, nil
}

// ModeFor derives the bootstrap mode from role counts. The second return
// value carries warnings for mode decisions that need operator attention.
func ModeFor(validatorCount, minerCount int) (types.BootstrapMode, []string) {
	switch {
	case validatorCount == 0 && minerCount > 0:
		return types.BootstrapModeNoValidators, nil
	case minerCount == 0 && validatorCount > 0:
		return types.BootstrapModeNoMiners, nil
	case validatorCount == 0 && minerCount == 0:
		return types.BootstrapModeNormal, []string{"network has no miners and no validators; it cannot process tasks"}
	default:
		return types.BootstrapModeNormal, nil
	}
}

// DetermineMode probes the network population. A failed probe never grants
// a degraded-security mode: it resolves to normal with a recorded warning.
func (c *Controller) DetermineMode(ctx context.Context) (types.BootstrapMode, []string) {
	if c.source == nil {
		return types.BootstrapModeNormal, []string{"no population source configured; assuming normal mode"}
	}
	validators, err := c.source.ValidatorCount(ctx)
	if err != nil {
		c.logger.Warnf("Validator count probe failed, assuming normal mode: %v", err)
		return types.BootstrapModeNormal, []string{fmt.Sprintf("bootstrap mode detection failed (%v); assuming normal mode", err)}
	}
	miners, err := c.source.MinerCount(ctx)
	if err != nil {
		c.logger.Warnf("Miner count probe failed, assuming normal mode: %v", err)
		return types.BootstrapModeNormal, []string{fmt.Sprintf("bootstrap mode detection failed (%v); assuming normal mode", err)}
	}
	return ModeFor(validators, miners)
}

// Plan computes the bootstrap plan for one task: mode, role conversions and
// economic escalation. Tasks at the critical value tier are refused
// bootstrap processing with a BootstrapRestrictedError.
func (c *Controller) Plan(ctx context.Context, task *types.Task, population Population) (*types.BootstrapConfig, error) {
	mode, warnings := ModeFor(len(population.Validators), len(population.Miners))
	config := &types.BootstrapConfig{
		Mode:                  mode,
		RequiredConfirmations: BaseConfirmations,
		Warnings:              warnings,
	}

	c.escalate(ctx, config, task)
	if mode != types.BootstrapModeNormal && config.CriticalValue {
		return nil, &errors.BootstrapRestrictedError{TaskID: task.TaskID, DepositUSD: config.DepositUSD}
	}

	switch mode {
	case types.BootstrapModeNoValidators:
		c.planNoValidators(config, task, population.Miners)
	case types.BootstrapModeNoMiners:
		c.planNoMiners(config, task, population.Validators)
	}

	if mode != types.BootstrapModeNormal {
		c.logger.Infof("Task %s planned under %s: %d converted validators, %d converted miners",
			task.TaskID, mode, len(config.ConvertedValidators), len(config.ConvertedMiners))
	}
	return config, nil
}

// planNoValidators converts miners into temporary validators. Small miner
// counts skip conversion: one output auto-flows, two go to the user.
func (c *Controller) planNoValidators(config *types.BootstrapConfig, task *types.Task, miners []string) {
	switch m := len(miners); {
	case m == 0:
		config.Warnings = append(config.Warnings, "no miners available to convert; task cannot be evaluated")
	case m == 1:
		config.RemainingMiners = append([]string(nil), miners...)
		config.Warnings = append(config.Warnings, "single miner output follows the automatic single-output flow")
	case m == 2:
		config.RemainingMiners = append([]string(nil), miners...)
		config.Warnings = append(config.Warnings, "two miner outputs go to direct user choice")
	default:
		count := m / 3
		if count < 1 {
			count = 1
		}
		ranked := rankByTaskHash(task.TaskID, miners, task.RedoCount)
		config.ConvertedValidators = ranked[:count]
		config.RemainingMiners = subtract(miners, config.ConvertedValidators)
		config.Warnings = append(config.Warnings,
			fmt.Sprintf("%d of %d miners converted to temporary validators", count, m))
	}
}

// planNoMiners converts validators into temporary miners while always
// keeping at least one validator when three or more exist.
func (c *Controller) planNoMiners(config *types.BootstrapConfig, task *types.Task, validators []string) {
	switch v := len(validators); {
	case v == 0:
		config.Warnings = append(config.Warnings, "no validators available to convert; task cannot be mined")
	case v <= 2:
		config.ConvertedMiners = append([]string(nil), validators...)
		config.Warnings = append(config.Warnings,
			fmt.Sprintf("all %d validators converted to temporary miners", v))
	default:
		ranked := rankByTaskHash(task.TaskID, validators, task.RedoCount)
		config.ConvertedMiners = ranked[:2]
		config.RemainingValidators = subtract(validators, config.ConvertedMiners)
		config.Warnings = append(config.Warnings,
			fmt.Sprintf("2 of %d validators converted to temporary miners", v))
	}
}

// escalate values the deposit and applies the confirmation tiers. A missing
// price source values the deposit at zero, which keeps submission open.
func (c *Controller) escalate(ctx context.Context, config *types.BootstrapConfig, task *types.Task) {
	if task.DepositAmount == nil || c.pricing == nil {
		return
	}
	usd := c.pricing.ConvertToUSD(ctx, task.NetworkID, task.DepositAmount.ToBigInt())
	config.DepositUSD = usd

	if usd >= c.config.HighValueUSD {
		config.HighValue = true
		config.RequiredConfirmations = HighValueConfirmations
		config.SafetyDelay = c.config.SafetyDelay
		config.Warnings = append(config.Warnings,
			fmt.Sprintf("high-value deposit ($%.2f): confirmations raised to %d with a %s safety delay",
				usd, HighValueConfirmations, c.config.SafetyDelay))
	}
	if usd >= c.config.CriticalValueUSD {
		config.CriticalValue = true
		config.Warnings = append(config.Warnings,
			fmt.Sprintf("critical-value deposit ($%.2f): not eligible for bootstrap processing", usd))
	}
}

// rankByTaskHash orders addresses by keccak(taskID || lowercase(address) ||
// round), ascending. The draw is uniform over addresses yet reproducible for
// a given task and redo round.
func rankByTaskHash(taskID string, addresses []string, round int) []string {
	type rankedAddress struct {
		address string
		digest  []byte
	}
	ranked := make([]rankedAddress, len(addresses))
	roundBytes := []byte(strconv.Itoa(round))
	for i, address := range addresses {
		ranked[i] = rankedAddress{
			address: address,
			digest:  crypto.Keccak256([]byte(taskID), []byte(strings.ToLower(address)), roundBytes),
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if c := bytes.Compare(ranked[i].digest, ranked[j].digest); c != 0 {
			return c < 0
		}
		return ranked[i].address < ranked[j].address
	})
	ordered := make([]string, len(ranked))
	for i, r := range ranked {
		ordered[i] = r.address
	}
	return ordered
}

// subtract returns all of full not present in removed, preserving order.
func subtract(full, removed []string) []string {
	removedSet := make(map[string]struct{}, len(removed))
	for _, address := range removed {
		removedSet[address] = struct{}{}
	}
	var remaining []string
	for _, address := range full {
		if _, ok := removedSet[address]; !ok {
			remaining = append(remaining, address)
		}
	}
	return remaining
}
