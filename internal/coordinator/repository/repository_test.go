package repository

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

func seedTask(t *testing.T, repo *MemoryRepository, status types.TaskStatus) *types.Task {
	t.Helper()
	task := &types.Task{
		TaskID:        "task-1",
		NetworkID:     11155111,
		Status:        status,
		ManifestID:    "manifest-translate-v1",
		Depositor:     "0x1111111111111111111111111111111111111111",
		DepositAmount: types.NewBigInt(big.NewInt(1_000_000)),
		Input:         map[string]interface{}{"prompt": "hello"},
		LineageRoot:   "task-1",
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.CreateTask(context.Background(), task))
	return task
}

func TestCreateTaskRejectsDuplicates(t *testing.T) {
	repo := NewMemoryRepository()
	task := seedTask(t, repo, types.TaskStatusSubmitted)

	err := repo.CreateTask(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetTaskReturnsDeepCopy(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusSubmitted)
	ctx := context.Background()

	first, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	first.Status = types.TaskStatusPaid
	first.Input["prompt"] = "tampered"
	first.DepositAmount.SetString("0", 10)

	second, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSubmitted, second.Status)
	assert.Equal(t, "hello", second.Input["prompt"])
	assert.Equal(t, "1000000", second.DepositAmount.String())
}

func TestGetTaskNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.GetTask(context.Background(), "task-missing")
	require.Error(t, err)
	assert.True(t, taskmesherrors.IsNotFound(err))
}

func TestAddOutputAppendOnly(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusMining)
	ctx := context.Background()

	output := &types.Output{
		OutputID:     "0xout1",
		TaskID:       "task-1",
		MinerAddress: "0xaaaa",
		Payload:      map[string]interface{}{"answer": "bonjour"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.AddOutput(ctx, output))

	err := repo.AddOutput(ctx, output)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, task.Outputs, 1)
	assert.Equal(t, "0xout1", task.Outputs[0].OutputID)
}

func TestAddEvaluationKeyedByValidatorAndOutput(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusEvaluating)
	ctx := context.Background()

	eval := &types.Evaluation{
		TaskID:           "task-1",
		ValidatorAddress: "0xval1",
		OutputID:         "0xout1",
		Score:            80,
		Confidence:       0.9,
		Signature:        "0xsig",
		Timestamp:        time.Now().UnixMilli(),
	}
	require.NoError(t, repo.AddEvaluation(ctx, eval))

	// Same validator, same output: refused even with a different score.
	dup := *eval
	dup.Score = 20
	assert.ErrorIs(t, repo.AddEvaluation(ctx, &dup), ErrAlreadyExists)

	// Same validator, different output: accepted.
	other := *eval
	other.OutputID = "0xout2"
	assert.NoError(t, repo.AddEvaluation(ctx, &other))
}

func TestUpdateTaskStatusCAS(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusSubmitted)
	ctx := context.Background()

	require.NoError(t, repo.UpdateTaskStatus(ctx, "task-1", types.TaskStatusSubmitted, types.TaskStatusMining))

	// Stale writer: the task is no longer submitted.
	err := repo.UpdateTaskStatus(ctx, "task-1", types.TaskStatusSubmitted, types.TaskStatusMining)
	assert.ErrorIs(t, err, ErrStaleStatus)

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusMining, task.Status)
}

func TestUpdateTaskStatusRefusesIllegalTransition(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusSubmitted)

	err := repo.UpdateTaskStatus(context.Background(), "task-1", types.TaskStatusSubmitted, types.TaskStatusPaid)
	require.Error(t, err)

	var violation *taskmesherrors.InvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "status_transition", violation.Name)

	// The guard also refuses regressions.
	require.NoError(t, repo.UpdateTaskStatus(context.Background(), "task-1", types.TaskStatusSubmitted, types.TaskStatusMining))
	err = repo.UpdateTaskStatus(context.Background(), "task-1", types.TaskStatusMining, types.TaskStatusSubmitted)
	require.True(t, errors.As(err, &violation))
}

func TestMarkPaidRequiresConsensus(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusEvaluating)
	ctx := context.Background()

	err := repo.MarkPaid(ctx, "task-1")
	assert.ErrorIs(t, err, ErrStaleStatus)

	require.NoError(t, repo.UpdateTaskStatus(ctx, "task-1", types.TaskStatusEvaluating, types.TaskStatusConsensusReached))
	require.NoError(t, repo.MarkPaid(ctx, "task-1"))

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaid, task.Status)
	assert.True(t, task.PaymentReleased)

	// Paid is terminal; a second attempt is a stale write.
	assert.ErrorIs(t, repo.MarkPaid(ctx, "task-1"), ErrStaleStatus)
}

func TestConsensusShortlistAndSelectionUpdates(t *testing.T) {
	repo := NewMemoryRepository()
	seedTask(t, repo, types.TaskStatusEvaluating)
	ctx := context.Background()

	shortlist := []types.RankedOutput{
		{OutputID: "0xout1", WeightedScore: 92.5, AgreementScore: 0.75},
		{OutputID: "0xout2", WeightedScore: 61.0},
	}
	require.NoError(t, repo.SetShortlist(ctx, "task-1", shortlist, types.ResultModeBootstrap))

	selection := &types.HumanSelection{OutputID: "0xout1", SelectedBy: "0xdepositor", SelectedAt: time.Now().UTC()}
	require.NoError(t, repo.SetHumanSelection(ctx, "task-1", selection))
	require.NoError(t, repo.SetConsensusResult(ctx, "task-1", "0xout1", 100, types.ResultModeHumanInLoop))
	require.NoError(t, repo.SetCollusionPattern(ctx, "task-1", "0xfingerprint"))
	require.NoError(t, repo.SetArchiveCID(ctx, "task-1", "bafyexample"))

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, shortlist, task.Shortlist)
	assert.Equal(t, "0xout1", task.HumanSelection.OutputID)
	assert.True(t, task.ConsensusReached)
	assert.Equal(t, "0xout1", task.WinningOutputID)
	assert.Equal(t, 100.0, task.FinalScore)
	assert.Equal(t, types.ResultModeHumanInLoop, task.ResultMode)
	assert.Equal(t, "0xfingerprint", task.CollusionPattern)
	assert.Equal(t, "bafyexample", task.ArchiveCID)
}

func TestGetTaskIDsByStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedTask(t, repo, types.TaskStatusSubmitted)

	task2 := &types.Task{TaskID: "task-2", Status: types.TaskStatusEvaluating, LineageRoot: "task-2"}
	require.NoError(t, repo.CreateTask(ctx, task2))

	evaluating, err := repo.GetTaskIDsByStatus(ctx, types.TaskStatusEvaluating)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2"}, evaluating)

	paid, err := repo.GetTaskIDsByStatus(ctx, types.TaskStatusPaid)
	require.NoError(t, err)
	assert.Empty(t, paid)
}

func TestAmountEncoding(t *testing.T) {
	assert.Equal(t, "", encodeAmount(nil))
	assert.Equal(t, "1000000000000000000", encodeAmount(types.NewBigInt(big.NewInt(1_000_000_000_000_000_000))))

	amount, err := decodeAmount("250")
	require.NoError(t, err)
	assert.Equal(t, "250", amount.String())

	missing, err := decodeAmount("")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = decodeAmount("not-a-number")
	assert.Error(t, err)
}

func TestJSONColumnEncoding(t *testing.T) {
	encoded, err := encodeJSON(map[string]interface{}{"prompt": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"hi"}`, encoded)

	empty, err := encodeJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	input, err := decodeInput(`{"prompt":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "hi", input["prompt"])

	none, err := decodeInput("")
	require.NoError(t, err)
	assert.Nil(t, none)

	shortlist, err := decodeShortlist(`[{"output_id":"0xout1","weighted_score":90}]`)
	require.NoError(t, err)
	require.Len(t, shortlist, 1)
	assert.Equal(t, "0xout1", shortlist[0].OutputID)

	selection, err := decodeSelection(`{"output_id":"0xout1","selected_by":"0xme"}`)
	require.NoError(t, err)
	assert.Equal(t, "0xme", selection.SelectedBy)

	_, err = decodeShortlist("not json")
	assert.Error(t, err)
}
