// Package consensus applies the threshold agreement rule to validator
// evaluations. Pure computation, no I/O.
package consensus

import (
	"math"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// AcceptMidpoint is the score at or above which an evaluation counts as
// accepting an output. Protocol constant, not configurable.
const AcceptMidpoint = 50.0

// DefaultThreshold is the two-thirds agreement rule. With three
// evaluations two accepts are required.
const DefaultThreshold = 2.0 / 3.0

// ceilEpsilon absorbs IEEE rounding noise in total*threshold so exact
// boundary products never require one extra accept.
const ceilEpsilon = 1e-9

// Engine holds the agreement parameters for one network.
type Engine struct {
	threshold     float64
	minValidators int
}

func NewEngine(threshold float64, minValidators int) (*Engine, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, &taskmesherrors.InvalidConfigurationError{
			Field:  "consensus_threshold",
			Detail: "must be in (0, 1]",
		}
	}
	if minValidators < 1 {
		return nil, &taskmesherrors.InvalidConfigurationError{
			Field:  "min_validators",
			Detail: "must be at least 1",
		}
	}
	return &Engine{
		threshold:     threshold,
		minValidators: minValidators,
	}, nil
}

// Decision reports the outcome of one consensus round.
type Decision struct {
	Reached   bool `json:"reached"`
	Accepting int  `json:"accepting"`
	Required  int  `json:"required"`
	Total     int  `json:"total"`
}

// Decide counts accepting evaluations (score at or above AcceptMidpoint)
// against the required quorum ceil(total * threshold). Consensus needs the
// quorum met and at least minValidators evaluations.
func (e *Engine) Decide(evaluations []types.Evaluation) Decision {
	total := len(evaluations)

	accepting := 0
	for _, eval := range evaluations {
		if eval.Score >= AcceptMidpoint {
			accepting++
		}
	}

	required := int(math.Ceil(float64(total)*e.threshold - ceilEpsilon))
	if required < 0 {
		required = 0
	}

	return Decision{
		Reached:   total >= e.minValidators && accepting >= required,
		Accepting: accepting,
		Required:  required,
		Total:     total,
	}
}

// Threshold returns the configured agreement fraction.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// MinValidators returns the evaluation floor below which no decision is
// reached.
func (e *Engine) MinValidators() int {
	return e.minValidators
}
