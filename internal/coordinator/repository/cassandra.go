package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/taskmesh/taskmesh-backend/internal/coordinator/repository/queries"
	"github.com/taskmesh/taskmesh-backend/pkg/database"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

type taskRepository struct {
	db *database.Connection
}

// NewTaskRepository returns the gocql-backed repository.
func NewTaskRepository(db *database.Connection) TaskRepository {
	return &taskRepository{
		db: db,
	}
}

func (r *taskRepository) CreateTask(ctx context.Context, task *types.Task) error {
	input, err := encodeJSON(task.Input)
	if err != nil {
		return err
	}
	shortlist, err := encodeJSON(task.Shortlist)
	if err != nil {
		return err
	}
	selection, err := encodeJSON(task.HumanSelection)
	if err != nil {
		return err
	}

	applied, err := r.db.Session().Query(queries.CreateTaskQuery,
		task.TaskID, task.NetworkID, string(task.Status), task.ManifestID,
		task.Depositor, encodeAmount(task.DepositAmount), input,
		task.ConsensusReached, task.WinningOutputID, task.FinalScore,
		task.ResultMode, task.PaymentReleased, shortlist, selection,
		task.LineageRoot, task.RedoCount, task.CollusionPattern,
		task.ArchiveCID, task.CreatedAt, task.UpdatedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.TaskID, err)
	}
	if !applied {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrAlreadyExists)
	}
	return nil
}

func (r *taskRepository) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var (
		task          types.Task
		status        string
		depositAmount string
		input         string
		shortlist     string
		selection     string
	)

	err := r.db.RetryableScan(ctx, queries.GetTaskQuery, []interface{}{taskID},
		&task.TaskID, &task.NetworkID, &status, &task.ManifestID,
		&task.Depositor, &depositAmount, &input,
		&task.ConsensusReached, &task.WinningOutputID, &task.FinalScore,
		&task.ResultMode, &task.PaymentReleased, &shortlist, &selection,
		&task.LineageRoot, &task.RedoCount, &task.CollusionPattern,
		&task.ArchiveCID, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	task.Status = types.TaskStatus(status)
	if task.DepositAmount, err = decodeAmount(depositAmount); err != nil {
		return nil, err
	}
	if task.Input, err = decodeInput(input); err != nil {
		return nil, err
	}
	if task.Shortlist, err = decodeShortlist(shortlist); err != nil {
		return nil, err
	}
	if task.HumanSelection, err = decodeSelection(selection); err != nil {
		return nil, err
	}

	if task.Outputs, err = r.getOutputs(ctx, taskID); err != nil {
		return nil, err
	}
	if task.Evaluations, err = r.getEvaluations(ctx, taskID); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) getOutputs(ctx context.Context, taskID string) ([]types.Output, error) {
	iter := r.db.RetryableIter(ctx, queries.GetOutputsQuery, taskID)

	var outputs []types.Output
	var outputID, minerAddress, payload string
	var createdAt time.Time
	for iter.Scan(&outputID, &minerAddress, &payload, &createdAt) {
		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, types.Output{
			OutputID:     outputID,
			TaskID:       taskID,
			MinerAddress: minerAddress,
			Payload:      decoded,
			CreatedAt:    createdAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load outputs for task %s: %w", taskID, err)
	}
	return outputs, nil
}

func (r *taskRepository) getEvaluations(ctx context.Context, taskID string) ([]types.Evaluation, error) {
	iter := r.db.RetryableIter(ctx, queries.GetEvaluationsQuery, taskID)

	var evaluations []types.Evaluation
	var validatorAddress, outputID, signature string
	var score, confidence float64
	var submittedAt int64
	for iter.Scan(&validatorAddress, &outputID, &score, &confidence, &signature, &submittedAt) {
		evaluations = append(evaluations, types.Evaluation{
			TaskID:           taskID,
			ValidatorAddress: validatorAddress,
			OutputID:         outputID,
			Score:            score,
			Confidence:       confidence,
			Signature:        signature,
			Timestamp:        submittedAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load evaluations for task %s: %w", taskID, err)
	}
	return evaluations, nil
}

func (r *taskRepository) GetTaskIDsByStatus(ctx context.Context, status types.TaskStatus) ([]string, error) {
	iter := r.db.RetryableIter(ctx, queries.GetTaskIDsByStatusQuery, string(status))

	var taskIDs []string
	var taskID string
	for iter.Scan(&taskID) {
		taskIDs = append(taskIDs, taskID)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list tasks with status %s: %w", status, err)
	}
	return taskIDs, nil
}

func (r *taskRepository) AddOutput(ctx context.Context, output *types.Output) error {
	payload, err := encodeJSON(output.Payload)
	if err != nil {
		return err
	}

	applied, err := r.db.Session().Query(queries.AddOutputQuery,
		output.TaskID, output.OutputID, output.MinerAddress, payload, output.CreatedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to store output %s: %w", output.OutputID, err)
	}
	if !applied {
		return fmt.Errorf("output %s: %w", output.OutputID, ErrAlreadyExists)
	}
	return nil
}

func (r *taskRepository) AddEvaluation(ctx context.Context, eval *types.Evaluation) error {
	applied, err := r.db.Session().Query(queries.AddEvaluationQuery,
		eval.TaskID, eval.ValidatorAddress, eval.OutputID,
		eval.Score, eval.Confidence, eval.Signature, eval.Timestamp,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to store evaluation by %s: %w", eval.ValidatorAddress, err)
	}
	if !applied {
		return fmt.Errorf("evaluation by %s for output %s: %w", eval.ValidatorAddress, eval.OutputID, ErrAlreadyExists)
	}
	return nil
}

func (r *taskRepository) UpdateTaskStatus(ctx context.Context, taskID string, from, to types.TaskStatus) error {
	if err := checkTransition(taskID, from, to); err != nil {
		return err
	}

	applied, err := r.db.Session().Query(queries.UpdateTaskStatusQuery,
		string(to), time.Now().UTC(), taskID, string(from),
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update status of task %s: %w", taskID, err)
	}
	if !applied {
		return fmt.Errorf("task %s (%s -> %s): %w", taskID, from, to, ErrStaleStatus)
	}
	return nil
}

func (r *taskRepository) SetConsensusResult(ctx context.Context, taskID string, winningOutputID string, finalScore float64, resultMode string) error {
	err := r.db.RetryableExec(ctx, queries.SetConsensusResultQuery,
		winningOutputID, finalScore, resultMode, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to store consensus result for task %s: %w", taskID, err)
	}
	return nil
}

func (r *taskRepository) SetShortlist(ctx context.Context, taskID string, shortlist []types.RankedOutput, resultMode string) error {
	encoded, err := encodeJSON(shortlist)
	if err != nil {
		return err
	}
	if err := r.db.RetryableExec(ctx, queries.SetShortlistQuery,
		encoded, resultMode, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to store shortlist for task %s: %w", taskID, err)
	}
	return nil
}

func (r *taskRepository) SetHumanSelection(ctx context.Context, taskID string, selection *types.HumanSelection) error {
	encoded, err := encodeJSON(selection)
	if err != nil {
		return err
	}
	if err := r.db.RetryableExec(ctx, queries.SetHumanSelectionQuery,
		encoded, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to store selection for task %s: %w", taskID, err)
	}
	return nil
}

func (r *taskRepository) MarkPaid(ctx context.Context, taskID string) error {
	applied, err := r.db.Session().Query(queries.MarkPaidQuery,
		string(types.TaskStatusPaid), time.Now().UTC(), taskID, string(types.TaskStatusConsensusReached),
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to mark task %s paid: %w", taskID, err)
	}
	if !applied {
		return fmt.Errorf("task %s: %w", taskID, ErrStaleStatus)
	}
	return nil
}

func (r *taskRepository) SetCollusionPattern(ctx context.Context, taskID string, fingerprint string) error {
	if err := r.db.RetryableExec(ctx, queries.SetCollusionPatternQuery,
		fingerprint, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to store collusion pattern for task %s: %w", taskID, err)
	}
	return nil
}

func (r *taskRepository) SetArchiveCID(ctx context.Context, taskID string, cid string) error {
	if err := r.db.RetryableExec(ctx, queries.SetArchiveCIDQuery,
		cid, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to store archive cid for task %s: %w", taskID, err)
	}
	return nil
}
