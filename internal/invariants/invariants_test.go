package invariants

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskmeshErrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

type recordingSink struct {
	alerts []*taskmeshErrors.InvariantViolation
	fail   bool
}

func (s *recordingSink) Alert(_ context.Context, violation *taskmeshErrors.InvariantViolation) error {
	s.alerts = append(s.alerts, violation)
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	return nil
}

func newChecker(sinks ...AlertSink) *Checker {
	return NewChecker(logging.NewNoOpLogger(), nil, sinks...)
}

func TestCheckEvaluationBounds(t *testing.T) {
	checker := newChecker()
	ctx := context.Background()

	valid := types.Evaluation{OutputID: "0xout", Score: 75, Confidence: 0.9}
	assert.NoError(t, checker.CheckEvaluationBounds(ctx, valid))

	edge := types.Evaluation{OutputID: "0xout", Score: 100, Confidence: 1.0}
	assert.NoError(t, checker.CheckEvaluationBounds(ctx, edge))

	tests := []struct {
		name string
		eval types.Evaluation
		want string
	}{
		{"score above range", types.Evaluation{OutputID: "0xout", Score: 101, Confidence: 0.5}, "score_bounds"},
		{"score below range", types.Evaluation{OutputID: "0xout", Score: -1, Confidence: 0.5}, "score_bounds"},
		{"confidence above range", types.Evaluation{OutputID: "0xout", Score: 50, Confidence: 1.5}, "confidence_bounds"},
		{"confidence below range", types.Evaluation{OutputID: "0xout", Score: 50, Confidence: -0.1}, "confidence_bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.CheckEvaluationBounds(ctx, tt.eval)
			require.Error(t, err)

			var violation *taskmeshErrors.InvariantViolation
			require.True(t, errors.As(err, &violation))
			assert.Equal(t, tt.want, violation.Name)
			assert.Equal(t, string(SeverityMedium), violation.Severity)
		})
	}
}

func TestCheckReputationBounds(t *testing.T) {
	checker := newChecker()
	ctx := context.Background()

	assert.NoError(t, checker.CheckReputationBounds(ctx, "0xvalidator", 0))
	assert.NoError(t, checker.CheckReputationBounds(ctx, "0xvalidator", 100))

	err := checker.CheckReputationBounds(ctx, "0xvalidator", 100.5)
	require.Error(t, err)

	var violation *taskmeshErrors.InvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "reputation_bounds", violation.Name)
	assert.Equal(t, string(SeverityHigh), violation.Severity)
}

func TestCheckNonNegativeAmount(t *testing.T) {
	checker := newChecker()
	ctx := context.Background()

	assert.NoError(t, checker.CheckNonNegativeAmount(ctx, "deposit", big.NewInt(0)))
	assert.NoError(t, checker.CheckNonNegativeAmount(ctx, "deposit", big.NewInt(1_000_000)))
	assert.NoError(t, checker.CheckNonNegativeAmount(ctx, "deposit", nil))

	err := checker.CheckNonNegativeAmount(ctx, "deposit", big.NewInt(-1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deposit is negative")
}

func TestCheckEscrowConservation(t *testing.T) {
	checker := newChecker()
	ctx := context.Background()

	assert.NoError(t, checker.CheckEscrowConservation(ctx, "task-1",
		big.NewInt(1000), big.NewInt(400), big.NewInt(600)))
	assert.NoError(t, checker.CheckEscrowConservation(ctx, "task-1",
		big.NewInt(1000), nil, big.NewInt(1000)))
	assert.NoError(t, checker.CheckEscrowConservation(ctx, "task-1", nil, nil, nil))

	err := checker.CheckEscrowConservation(ctx, "task-1",
		big.NewInt(1000), big.NewInt(400), big.NewInt(500))
	require.Error(t, err)
	assert.True(t, IsCritical(err))
}

func TestCheckPercentageSplit(t *testing.T) {
	checker := newChecker()
	ctx := context.Background()

	assert.NoError(t, checker.CheckPercentageSplit(ctx, "payout", map[string]float64{
		"miner": 85, "validators": 10, "protocol": 5,
	}))
	// Float accumulation noise stays inside the tolerance.
	assert.NoError(t, checker.CheckPercentageSplit(ctx, "payout", map[string]float64{
		"a": 33.333333, "b": 33.333333, "c": 33.333334,
	}))

	err := checker.CheckPercentageSplit(ctx, "payout", map[string]float64{
		"miner": 85, "validators": 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 100")

	err = checker.CheckPercentageSplit(ctx, "payout", map[string]float64{
		"miner": 110, "validators": -10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestAlertingFansOutOnHighAndCritical(t *testing.T) {
	sink := &recordingSink{}
	checker := newChecker(sink)
	ctx := context.Background()

	// Medium severity stays out of the alert channel.
	err := checker.CheckEvaluationBounds(ctx, types.Evaluation{OutputID: "0xout", Score: 200, Confidence: 0.5})
	require.Error(t, err)
	assert.Empty(t, sink.alerts)

	err = checker.CheckReputationBounds(ctx, "0xvalidator", -5)
	require.Error(t, err)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "reputation_bounds", sink.alerts[0].Name)

	err = checker.CheckEscrowConservation(ctx, "task-1",
		big.NewInt(10), big.NewInt(5), big.NewInt(4))
	require.Error(t, err)
	require.Len(t, sink.alerts, 2)
	assert.Equal(t, "escrow_conservation", sink.alerts[1].Name)
}

func TestSinkFailureDoesNotChangeVerdict(t *testing.T) {
	failing := &recordingSink{fail: true}
	healthy := &recordingSink{}
	checker := newChecker(failing, healthy)

	err := checker.CheckEscrowConservation(context.Background(), "task-1",
		big.NewInt(10), big.NewInt(5), big.NewInt(4))
	require.Error(t, err)
	assert.True(t, IsCritical(err))

	// Every sink was still attempted.
	assert.Len(t, failing.alerts, 1)
	assert.Len(t, healthy.alerts, 1)
}

func TestIsCritical(t *testing.T) {
	assert.False(t, IsCritical(nil))
	assert.False(t, IsCritical(errors.New("plain error")))
	assert.False(t, IsCritical(&taskmeshErrors.InvariantViolation{Name: "x", Severity: string(SeverityHigh)}))
	assert.True(t, IsCritical(&taskmeshErrors.InvariantViolation{Name: "x", Severity: string(SeverityCritical)}))

	wrapped := fmt.Errorf("processing task: %w",
		&taskmeshErrors.InvariantViolation{Name: "x", Severity: string(SeverityCritical)})
	assert.True(t, IsCritical(wrapped))
}

func TestLogSinkAlert(t *testing.T) {
	sink := &LogSink{Logger: logging.NewNoOpLogger()}
	err := sink.Alert(context.Background(), &taskmeshErrors.InvariantViolation{
		Name: "escrow_conservation", Severity: string(SeverityCritical), Detail: "off by one wei",
	})
	assert.NoError(t, err)
}
