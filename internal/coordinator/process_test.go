package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh-backend/internal/bootstrap"
	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// shortlistFlow drives a human-selection task to user-selecting: two
// outputs, three accepting evaluations on the first, oracle ranking both.
func shortlistFlow(t *testing.T, e *env, validators []validatorIdentity) (*types.Task, *types.Output, *types.Output) {
	t.Helper()
	task := submitTask(t, e, "manifest-design-v1", map[string]interface{}{"brief": "round logo"})
	first := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"artwork": "concept-a"})
	second := addOutput(t, e, task.TaskID, minerTwoAddr, map[string]interface{}{"artwork": "concept-b"})

	scores := []float64{85, 70, 90}
	for i, v := range validators {
		require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
			signedEvaluation(t, v, task.TaskID, first.OutputID, scores[i])))
	}

	e.oracle.result = &oracle.Result{
		WinningOutputID: first.OutputID,
		FinalScore:      84.3,
		Mode:            oracle.ModeStatistical,
		TopOutputs: []types.RankedOutput{
			{OutputID: first.OutputID, WeightedScore: 84.3},
			{OutputID: second.OutputID, WeightedScore: 55.1},
		},
	}

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusUserSelecting, result.Status)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	return stored, first, second
}

func TestProcessEvaluationsReachesDeterministicConsensus(t *testing.T) {
	e := newEnv(t)
	validators := newValidators(t, e.store, 3)
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	winner := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo welt"})
	addOutput(t, e, task.TaskID, minerTwoAddr, map[string]interface{}{"translation": "hallo erde"})

	scores := []float64{80, 75, 20}
	for i, v := range validators {
		require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
			signedEvaluation(t, v, task.TaskID, winner.OutputID, scores[i])))
	}
	e.oracle.result = &oracle.Result{
		WinningOutputID: winner.OutputID,
		FinalScore:      78.25,
		Mode:            oracle.ModeDeterministic,
	}

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.NotNil(t, result.Consensus)
	assert.True(t, result.Consensus.Reached)
	assert.Equal(t, 2, result.Consensus.Accepting)
	assert.Equal(t, 3, result.Consensus.Total)
	assert.Equal(t, types.TaskStatusConsensusReached, result.Status)
	assert.Equal(t, winner.OutputID, result.WinningOutputID)
	assert.Equal(t, 78.25, result.FinalScore)
	assert.Equal(t, 1, e.oracle.deterministic)
	assert.Zero(t, e.oracle.statistical)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.True(t, stored.ConsensusReached)
	assert.Equal(t, winner.OutputID, stored.WinningOutputID)
	assert.Equal(t, 78.25, stored.FinalScore)
	assert.Equal(t, oracle.ModeDeterministic, stored.ResultMode)
	assert.Equal(t, types.TaskStatusConsensusReached, stored.Status)

	// Scoring the winner at or above the midpoint was correct, below was
	// not: (90+1)*0.99 against (90-5)*0.99.
	for _, v := range validators[:2] {
		qualification, err := e.gate.Qualify(context.Background(), v.address)
		require.NoError(t, err)
		assert.InDelta(t, 90.09, qualification.Reputation, 0.001)
	}
	qualification, err := e.gate.Qualify(context.Background(), validators[2].address)
	require.NoError(t, err)
	assert.InDelta(t, 84.15, qualification.Reputation, 0.001)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ConsensusRounds.WithLabelValues("reached")))
}

func TestProcessEvaluationsNotReachedStaysEvaluating(t *testing.T) {
	e := newEnv(t)
	validators := newValidators(t, e.store, 3)
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

	scores := []float64{80, 30, 20}
	for i, v := range validators {
		require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
			signedEvaluation(t, v, task.TaskID, output.OutputID, scores[i])))
	}

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.NotNil(t, result.Consensus)
	assert.False(t, result.Consensus.Reached)
	assert.Equal(t, 1, result.Consensus.Accepting)
	assert.Equal(t, 2, result.Consensus.Required)
	assert.Equal(t, types.TaskStatusEvaluating, result.Status)
	assert.Zero(t, e.oracle.deterministic)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusEvaluating, stored.Status)
	assert.False(t, stored.ConsensusReached)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ConsensusRounds.WithLabelValues("not_reached")))
}

func TestProcessEvaluationsDropsTamperedSignatures(t *testing.T) {
	e := newEnv(t)
	validators := newValidators(t, e.store, 4)
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

	scores := []float64{80, 75, 60}
	for i, v := range validators[:3] {
		require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
			signedEvaluation(t, v, task.TaskID, output.OutputID, scores[i])))
	}
	// Score changed after signing: well-formed, cryptographically wrong.
	tampered := signedEvaluation(t, validators[3], task.TaskID, output.OutputID, 90)
	tampered.Score = 10
	require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(), tampered))

	e.oracle.result = &oracle.Result{
		WinningOutputID: output.OutputID,
		FinalScore:      71.0,
		Mode:            oracle.ModeDeterministic,
	}

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.Len(t, result.Dropped, 1)
	assert.Equal(t, validators[3].address, result.Dropped[0].Validator)
	require.NotNil(t, result.Consensus)
	assert.True(t, result.Consensus.Reached)
	assert.Equal(t, 3, result.Consensus.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EvaluationsRejected.WithLabelValues("signature")))
}

func TestProcessEvaluationsInsufficientEvaluations(t *testing.T) {
	t.Run("below manifest minimum", func(t *testing.T) {
		e := newEnv(t)
		validators := newValidators(t, e.store, 2)
		task := submitTask(t, e, "manifest-translate-v1", translateInput())
		output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})
		for _, v := range validators {
			require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
				signedEvaluation(t, v, task.TaskID, output.OutputID, 80)))
		}

		_, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
		var insufficient *taskmesherrors.InsufficientValidatorsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 2, insufficient.Got)
		assert.Equal(t, 3, insufficient.Required)
	})

	t.Run("dropped signatures fall below minimum", func(t *testing.T) {
		e := newEnv(t)
		validators := newValidators(t, e.store, 3)
		task := submitTask(t, e, "manifest-translate-v1", translateInput())
		output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

		for _, v := range validators[:2] {
			require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
				signedEvaluation(t, v, task.TaskID, output.OutputID, 80)))
		}
		tampered := signedEvaluation(t, validators[2], task.TaskID, output.OutputID, 80)
		tampered.Confidence = 0.1
		require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(), tampered))

		_, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
		var insufficient *taskmesherrors.InsufficientValidatorsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 2, insufficient.Got)

		stored, err := e.coord.GetTask(context.Background(), task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusEvaluating, stored.Status)
	})
}

func TestProcessEvaluationsStatisticalShortlist(t *testing.T) {
	e := newEnv(t)
	validators := newValidators(t, e.store, 3)

	stored, first, second := shortlistFlow(t, e, validators)

	assert.Equal(t, types.TaskStatusUserSelecting, stored.Status)
	assert.Equal(t, types.ResultModeHumanInLoop, stored.ResultMode)
	assert.False(t, stored.ConsensusReached)
	require.Len(t, stored.Shortlist, 2)
	assert.Equal(t, first.OutputID, stored.Shortlist[0].OutputID)
	assert.Equal(t, second.OutputID, stored.Shortlist[1].OutputID)

	assert.Equal(t, 1, e.oracle.statistical)
	assert.Zero(t, e.oracle.deterministic)
	require.Len(t, e.oracle.lastStatistical.Reputations, 3)
	for _, v := range validators {
		assert.InDelta(t, 90, e.oracle.lastStatistical.Reputations[v.address], 0.001)
	}

	// Reputations settle on selection, not on shortlisting.
	for _, v := range validators {
		qualification, err := e.gate.Qualify(context.Background(), v.address)
		require.NoError(t, err)
		assert.InDelta(t, 90, qualification.Reputation, 0.001)
	}
}

func TestProcessEvaluationsOracleVerdictChecked(t *testing.T) {
	setup := func(t *testing.T, e *env) string {
		validators := newValidators(t, e.store, 3)
		task := submitTask(t, e, "manifest-translate-v1", translateInput())
		output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})
		for _, v := range validators {
			require.NoError(t, e.coord.AddValidatorEvaluation(context.Background(),
				signedEvaluation(t, v, task.TaskID, output.OutputID, 80)))
		}
		return task.TaskID
	}

	t.Run("unknown winner", func(t *testing.T) {
		e := newEnv(t)
		taskID := setup(t, e)
		e.oracle.result = &oracle.Result{WinningOutputID: "0xnowhere", FinalScore: 70}

		_, err := e.coord.ProcessEvaluations(context.Background(), taskID)
		var violation *taskmesherrors.InvariantViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "oracle_winner", violation.Name)

		stored, err := e.coord.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusEvaluating, stored.Status)
	})

	t.Run("missing verdict", func(t *testing.T) {
		e := newEnv(t)
		taskID := setup(t, e)

		_, err := e.coord.ProcessEvaluations(context.Background(), taskID)
		var violation *taskmesherrors.InvariantViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "oracle_result", violation.Name)
	})
}

func TestProcessEvaluationsRejectsSettledTask(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repo.CreateTask(context.Background(), &types.Task{
		TaskID:        "task-settled",
		NetworkID:     testNetworkID,
		Status:        types.TaskStatusConsensusReached,
		ManifestID:    "manifest-translate-v1",
		Depositor:     depositorAddr,
		DepositAmount: types.MustParseBigInt("1"),
		LineageRoot:   "task-settled",
	}))

	_, err := e.coord.ProcessEvaluations(context.Background(), "task-settled")
	var validation *taskmesherrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "status", validation.Field)
}

func TestProcessEvaluationsProbeFailureStaysNormal(t *testing.T) {
	e := newEnv(t)
	e.population.err = errors.New("registry unreachable")
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

	// A failed probe must not grant bootstrap; the normal path then fails
	// its evaluation minimum.
	_, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	var insufficient *taskmesherrors.InsufficientValidatorsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, e.population.calls)
}

func TestProcessBootstrapSingleOutputAutoAccepts(t *testing.T) {
	e := newEnv(t)
	e.population.validators = nil
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	output := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.NotNil(t, result.Bootstrap)
	assert.Equal(t, types.BootstrapModeNoValidators, result.Bootstrap.Mode)
	assert.Nil(t, result.Consensus)
	assert.Equal(t, types.TaskStatusConsensusReached, result.Status)
	assert.Equal(t, output.OutputID, result.WinningOutputID)
	assert.Equal(t, types.MaxScore, result.FinalScore)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.True(t, stored.ConsensusReached)
	assert.Equal(t, types.ResultModeBootstrap, stored.ResultMode)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.BootstrapTasks.WithLabelValues("no-validators")))
}

func TestProcessBootstrapTwoOutputsGoToUser(t *testing.T) {
	e := newEnv(t)
	e.population.validators = nil
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	first := addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})
	second := addOutput(t, e, task.TaskID, minerTwoAddr, map[string]interface{}{"translation": "hallo welt"})

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusUserSelecting, result.Status)
	require.Len(t, result.Shortlist, 2)
	assert.Equal(t, first.OutputID, result.Shortlist[0].OutputID)
	assert.Equal(t, second.OutputID, result.Shortlist[1].OutputID)
	assert.NotEmpty(t, result.Warnings)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusUserSelecting, stored.Status)
	assert.Equal(t, types.ResultModeBootstrap, stored.ResultMode)
	assert.Len(t, stored.Shortlist, 2)
}

func TestProcessBootstrapRanksManyOutputs(t *testing.T) {
	e := newEnv(t)
	e.population.validators = nil
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	miners := []string{minerAddr, minerTwoAddr, "0x00000000000000000000000000000000000000b3", minerFourAddr}
	for i, miner := range miners {
		addOutput(t, e, task.TaskID, miner, map[string]interface{}{"translation": "variant", "n": i})
	}

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.NotNil(t, result.Bootstrap)
	assert.Len(t, result.Bootstrap.ConvertedValidators, 1)
	assert.Len(t, result.Bootstrap.RemainingMiners, 3)
	assert.Equal(t, types.TaskStatusUserSelecting, result.Status)
	assert.Len(t, result.Shortlist, 2)
	require.Len(t, result.Rankings, 1)
	for _, ranking := range result.Rankings {
		assert.Len(t, ranking, 4)
	}
}

func TestProcessBootstrapNoMinersPlansOnly(t *testing.T) {
	e := newEnv(t)
	e.population.validators = []string{"0x0000000000000000000000000000000000000011",
		"0x0000000000000000000000000000000000000012",
		"0x0000000000000000000000000000000000000013"}
	task := submitTask(t, e, "manifest-translate-v1", translateInput())

	result, err := e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	require.NoError(t, err)

	require.NotNil(t, result.Bootstrap)
	assert.Equal(t, types.BootstrapModeNoMiners, result.Bootstrap.Mode)
	assert.Len(t, result.Bootstrap.ConvertedMiners, 2)
	assert.Len(t, result.Bootstrap.RemainingValidators, 1)
	assert.Equal(t, types.TaskStatusSubmitted, result.Status)
	assert.Empty(t, result.WinningOutputID)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSubmitted, stored.Status)
}

func TestProcessBootstrapCriticalValueRestricted(t *testing.T) {
	e := newEnv(t)
	controller, err := bootstrap.NewController(nil, fixedPricing{usd: 15000}, nil, bootstrap.DefaultConfig(), e.logger)
	require.NoError(t, err)
	e.controller = controller
	e.build(t)

	e.population.validators = nil
	task := submitTask(t, e, "manifest-translate-v1", translateInput())
	addOutput(t, e, task.TaskID, minerAddr, map[string]interface{}{"translation": "hallo"})

	_, err = e.coord.ProcessEvaluations(context.Background(), task.TaskID)
	var restricted *taskmesherrors.BootstrapRestrictedError
	require.ErrorAs(t, err, &restricted)
	assert.Equal(t, task.TaskID, restricted.TaskID)
	assert.Equal(t, 15000.0, restricted.DepositUSD)

	stored, err := e.coord.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusMining, stored.Status)
}
