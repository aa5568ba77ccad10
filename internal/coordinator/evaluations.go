package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taskmesh/taskmesh-backend/internal/coordinator/repository"
	"github.com/taskmesh/taskmesh-backend/pkg/canonical"
	"github.com/taskmesh/taskmesh-backend/pkg/cryptography"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// AddMinerOutput accepts one candidate result for a task. The output id is
// the keccak digest of the canonical payload, so resubmitting the same
// payload is idempotent and returns the stored output instead of an error.
func (c *Coordinator) AddMinerOutput(ctx context.Context, taskID, minerAddress string, payload map[string]interface{}) (*types.Output, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusSubmitted && task.Status != types.TaskStatusMining {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s and no longer accepts outputs", taskID, task.Status))
	}
	if !common.IsHexAddress(minerAddress) {
		return nil, taskmesherrors.NewValidationError("miner_address",
			fmt.Sprintf("%q is not a valid address", minerAddress))
	}
	if len(payload) == 0 {
		return nil, taskmesherrors.NewValidationError("payload", "an output payload is required")
	}

	compiled, err := c.manifests.Get(task.ManifestID)
	if err != nil {
		return nil, err
	}
	if err := compiled.ValidateOutput(payload); err != nil {
		return nil, err
	}

	outputID, err := canonical.Hash(payload)
	if err != nil {
		return nil, taskmesherrors.NewValidationError("payload", err.Error())
	}

	output := &types.Output{
		OutputID:     outputID,
		TaskID:       taskID,
		MinerAddress: minerAddress,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.repo.AddOutput(ctx, output); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			// Same canonical payload, same id. First submitter keeps it.
			c.logger.Debugf("Output %s on task %s resubmitted", outputID, taskID)
			stored, loadErr := c.repo.GetTask(ctx, taskID)
			if loadErr != nil {
				return nil, loadErr
			}
			if existing, ok := stored.FindOutput(outputID); ok {
				return existing, nil
			}
			return output, nil
		}
		return nil, err
	}

	c.metrics.OutputsReceived.Inc()
	c.logger.Infof("Task %s received output %s from miner %s", taskID, outputID, minerAddress)

	if task.Status == types.TaskStatusSubmitted {
		if err := c.advance(ctx, task, types.TaskStatusMining); err != nil && !errors.Is(err, repository.ErrStaleStatus) {
			return nil, err
		}
	}
	return output, nil
}

// AddValidatorEvaluation accepts one signed score. The validator must pass
// the qualification gate and the signature must be well-formed; full
// cryptographic verification happens when the batch is processed.
func (c *Coordinator) AddValidatorEvaluation(ctx context.Context, eval types.Evaluation) error {
	if eval.TaskID == "" {
		return taskmesherrors.NewValidationError("task_id", "a task id is required")
	}
	if err := c.gate.Require(ctx, eval.ValidatorAddress); err != nil {
		c.metrics.EvaluationsRejected.WithLabelValues("unqualified").Inc()
		return err
	}

	task, err := c.repo.GetTask(ctx, eval.TaskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusMining && task.Status != types.TaskStatusEvaluating {
		c.metrics.EvaluationsRejected.WithLabelValues("status").Inc()
		return taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s and does not accept evaluations", eval.TaskID, task.Status))
	}
	if err := c.checker.CheckEvaluationBounds(ctx, eval); err != nil {
		c.metrics.EvaluationsRejected.WithLabelValues("bounds").Inc()
		return err
	}
	if _, ok := task.FindOutput(eval.OutputID); !ok {
		c.metrics.EvaluationsRejected.WithLabelValues("unknown_output").Inc()
		return &taskmesherrors.NotFoundError{Kind: "output", ID: eval.OutputID}
	}
	if eval.Timestamp <= 0 {
		c.metrics.EvaluationsRejected.WithLabelValues("timestamp").Inc()
		return taskmesherrors.NewValidationError("timestamp", "a signing timestamp is required")
	}
	if err := cryptography.CheckSignatureFormat(eval.Signature); err != nil {
		c.metrics.EvaluationsRejected.WithLabelValues("signature_format").Inc()
		return taskmesherrors.NewValidationError("signature", err.Error())
	}

	if err := c.repo.AddEvaluation(ctx, &eval); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			c.metrics.EvaluationsRejected.WithLabelValues("duplicate").Inc()
			return taskmesherrors.NewValidationError("evaluation",
				fmt.Sprintf("validator %s already evaluated output %s", eval.ValidatorAddress, eval.OutputID))
		}
		return err
	}

	c.metrics.EvaluationsReceived.Inc()
	c.logger.Infof("Task %s received evaluation of output %s from validator %s (score %.1f)",
		eval.TaskID, eval.OutputID, eval.ValidatorAddress, eval.Score)

	if task.Status == types.TaskStatusMining {
		if err := c.advance(ctx, task, types.TaskStatusEvaluating); err != nil && !errors.Is(err, repository.ErrStaleStatus) {
			return err
		}
	}
	return nil
}
