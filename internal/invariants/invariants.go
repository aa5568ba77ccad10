// Package invariants checks the cross-cutting runtime invariants of the
// task market at mutation points: bounded scores and reputations,
// non-negative amounts, escrow conservation and percentage-split totals.
// The checker is an explicit, injected handle — there is no package-level
// singleton — and alerting is best effort: a failing sink never changes a
// check's verdict.
package invariants

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/big"

	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/metrics"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Severity classifies how damaging a violated invariant is. High and
// critical violations are fanned out to alert sinks; whether critical ones
// abort the triggering operation is the caller's policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// splitTolerance absorbs float accumulation noise in percentage totals.
const splitTolerance = 1e-6

// AlertSink receives high and critical violations. Implementations carry
// the actual transport (webhook, pager, log).
type AlertSink interface {
	Alert(ctx context.Context, violation *errors.InvariantViolation) error
}

// LogSink is the default sink: it writes violations to the service log.
type LogSink struct {
	Logger logging.Logger
}

func (s *LogSink) Alert(ctx context.Context, violation *errors.InvariantViolation) error {
	s.Logger.Error("Invariant violation",
		"name", violation.Name,
		"severity", violation.Severity,
		"detail", violation.Detail,
	)
	return nil
}

// Checker runs invariant checks and reports violations to its sinks.
type Checker struct {
	sinks   []AlertSink
	logger  logging.Logger
	metrics *metrics.CoordinatorMetrics // nil disables counters
}

func NewChecker(logger logging.Logger, coordMetrics *metrics.CoordinatorMetrics, sinks ...AlertSink) *Checker {
	return &Checker{
		sinks:   sinks,
		logger:  logger,
		metrics: coordMetrics,
	}
}

// CheckEvaluationBounds verifies an evaluation's score and confidence are
// inside their protocol ranges.
func (c *Checker) CheckEvaluationBounds(ctx context.Context, eval types.Evaluation) error {
	if eval.Score < types.MinScore || eval.Score > types.MaxScore {
		return c.report(ctx, "score_bounds", SeverityMedium,
			fmt.Sprintf("score %.4f outside [%v,%v] for output %s", eval.Score, types.MinScore, types.MaxScore, eval.OutputID))
	}
	if eval.Confidence < types.MinConfidence || eval.Confidence > types.MaxConfidence {
		return c.report(ctx, "confidence_bounds", SeverityMedium,
			fmt.Sprintf("confidence %.4f outside [%v,%v] for output %s", eval.Confidence, types.MinConfidence, types.MaxConfidence, eval.OutputID))
	}
	return nil
}

// CheckReputationBounds verifies a stored reputation stayed inside [0,100].
// A breach means internal state corruption, not bad input.
func (c *Checker) CheckReputationBounds(ctx context.Context, address string, reputation float64) error {
	if reputation < types.MinReputation || reputation > types.MaxReputation {
		return c.report(ctx, "reputation_bounds", SeverityHigh,
			fmt.Sprintf("reputation %.4f outside [%v,%v] for validator %s", reputation, types.MinReputation, types.MaxReputation, address))
	}
	return nil
}

// CheckNonNegativeAmount verifies a monetary amount is not negative.
func (c *Checker) CheckNonNegativeAmount(ctx context.Context, name string, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return c.report(ctx, "non_negative_amount", SeverityHigh,
			fmt.Sprintf("%s is negative: %s", name, amount.String()))
	}
	return nil
}

// CheckEscrowConservation verifies released + remaining == deposited.
// Nil components count as zero.
func (c *Checker) CheckEscrowConservation(ctx context.Context, taskID string, deposited, released, remaining *big.Int) error {
	sum := new(big.Int).Add(orZero(released), orZero(remaining))
	if sum.Cmp(orZero(deposited)) != 0 {
		return c.report(ctx, "escrow_conservation", SeverityCritical,
			fmt.Sprintf("task %s: released %s + remaining %s != deposited %s",
				taskID, orZero(released), orZero(remaining), orZero(deposited)))
	}
	return nil
}

// CheckPercentageSplit verifies split shares total 100 within tolerance
// and no share is negative.
func (c *Checker) CheckPercentageSplit(ctx context.Context, name string, shares map[string]float64) error {
	total := 0.0
	for party, share := range shares {
		if share < 0 {
			return c.report(ctx, "percentage_split", SeverityHigh,
				fmt.Sprintf("%s: share for %s is negative (%.6f)", name, party, share))
		}
		total += share
	}
	if math.Abs(total-100.0) > splitTolerance {
		return c.report(ctx, "percentage_split", SeverityHigh,
			fmt.Sprintf("%s: shares total %.6f, want 100", name, total))
	}
	return nil
}

// report records the violation, alerts on high/critical severities and
// returns it for the caller to act on.
func (c *Checker) report(ctx context.Context, name string, severity Severity, detail string) *errors.InvariantViolation {
	violation := &errors.InvariantViolation{
		Name:     name,
		Severity: string(severity),
		Detail:   detail,
	}

	c.logger.Warnf("Invariant %s violated (%s): %s", name, severity, detail)
	if c.metrics != nil {
		c.metrics.InvariantViolations.WithLabelValues(string(severity)).Inc()
	}

	if severity == SeverityHigh || severity == SeverityCritical {
		for _, sink := range c.sinks {
			if err := sink.Alert(ctx, violation); err != nil {
				c.logger.Warnf("Alert sink failed for invariant %s: %v", name, err)
			}
		}
	}
	return violation
}

// IsCritical reports whether err is a critical invariant violation.
// Callers that abort on critical violations branch on this.
func IsCritical(err error) bool {
	var violation *errors.InvariantViolation
	if !stderrors.As(err, &violation) {
		return false
	}
	return violation.Severity == string(SeverityCritical)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
