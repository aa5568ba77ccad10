package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh-backend/internal/anchor"
	"github.com/taskmesh/taskmesh-backend/internal/collusion"
	"github.com/taskmesh/taskmesh-backend/internal/consensus"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator/repository"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// AddHumanSelection resolves a shortlisted task with the depositor's
// choice. The chosen output becomes the winner at the maximum score; a
// user's explicit pick is not second-guessed.
func (c *Coordinator) AddHumanSelection(ctx context.Context, taskID, outputID, selectedBy string) (*types.Task, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusUserSelecting {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s, not awaiting a selection", taskID, task.Status))
	}
	if !strings.EqualFold(selectedBy, task.Depositor) {
		return nil, taskmesherrors.NewValidationError("selected_by",
			"only the task depositor may select the winner")
	}
	if !shortlistContains(task.Shortlist, outputID) {
		return nil, taskmesherrors.NewValidationError("output_id",
			fmt.Sprintf("output %s is not on the task shortlist", outputID))
	}

	selection := &types.HumanSelection{
		OutputID:   outputID,
		SelectedBy: selectedBy,
		SelectedAt: time.Now().UTC(),
	}
	if err := c.repo.SetHumanSelection(ctx, taskID, selection); err != nil {
		return nil, err
	}

	resultMode := types.ResultModeHumanInLoop
	if task.ResultMode == types.ResultModeBootstrap {
		resultMode = types.ResultModeBootstrap
	}
	if err := c.repo.SetConsensusResult(ctx, taskID, outputID, types.MaxScore, resultMode); err != nil {
		return nil, err
	}
	if err := c.advance(ctx, task, types.TaskStatusConsensusReached); err != nil {
		return nil, err
	}

	c.settleReputations(ctx, task.Evaluations, outputID)
	c.logger.Infof("Task %s resolved by user selection of output %s", taskID, outputID)
	return c.repo.GetTask(ctx, taskID)
}

// UserRejectAndRedo rejects every shortlisted output and opens the next
// redo round as a fresh task on the same lineage. The rejected task is
// terminal; the rejection is also reported to the collusion tracker, since
// validators repeatedly endorsing rejected work are the cheapest collusion
// signal available.
func (c *Coordinator) UserRejectAndRedo(ctx context.Context, taskID, rejectedBy string) (*types.Task, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusUserSelecting {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s, not awaiting a selection", taskID, task.Status))
	}
	if !strings.EqualFold(rejectedBy, task.Depositor) {
		return nil, taskmesherrors.NewValidationError("rejected_by",
			"only the task depositor may reject the shortlist")
	}

	compiled, err := c.manifests.Get(task.ManifestID)
	if err != nil {
		return nil, err
	}
	m := compiled.Manifest
	if !m.RedoEnabled {
		return nil, taskmesherrors.NewValidationError("redo",
			fmt.Sprintf("manifest %s does not allow redo rounds", m.ManifestID))
	}
	next := task.RedoCount + 1
	if next > m.RedoLimit {
		return nil, &taskmesherrors.RedoLimitExceededError{TaskID: taskID, Limit: m.RedoLimit}
	}

	// The rejection is the serialization point: whichever writer moves the
	// task to user-rejected owns the redo round.
	if err := c.advance(ctx, task, types.TaskStatusUserRejected); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, taskmesherrors.NewValidationError("status",
				fmt.Sprintf("task %s was resolved concurrently", taskID))
		}
		return nil, err
	}
	c.metrics.RedoRounds.Inc()
	c.logger.Infof("Task %s rejected by depositor, opening redo round %d", taskID, next)

	c.recordRejection(ctx, task, next)

	now := time.Now().UTC()
	derived := &types.Task{
		TaskID:        fmt.Sprintf("%s-redo-%d", task.LineageRoot, next),
		NetworkID:     task.NetworkID,
		Status:        types.TaskStatusSubmitted,
		ManifestID:    task.ManifestID,
		Depositor:     task.Depositor,
		DepositAmount: task.DepositAmount.Clone(),
		Input:         task.Input,
		LineageRoot:   task.LineageRoot,
		RedoCount:     next,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.repo.CreateTask(ctx, derived); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			c.logger.Warnf("Redo task %s already exists, reusing it", derived.TaskID)
			return c.repo.GetTask(ctx, derived.TaskID)
		}
		return nil, err
	}

	c.metrics.TasksSubmitted.Inc()
	c.metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusSubmitted)).Inc()
	c.logger.Infof("Task %s continues as %s", taskID, derived.TaskID)

	c.afterSubmit(ctx, derived, m)
	return derived, nil
}

// recordRejection reports the rejection to the collusion tracker and applies
// any repeat-offender penalties. Best-effort: tracking failures never block
// the redo round.
func (c *Coordinator) recordRejection(ctx context.Context, task *types.Task, redoCount int) {
	if c.collusion == nil {
		return
	}
	pattern, err := c.collusion.RecordRejection(ctx, collusion.Report{
		TaskID:             task.TaskID,
		LineageRoot:        task.LineageRoot,
		ApprovedValidators: approversOf(task),
		TotalValidators:    len(validatorAddresses(task)),
		RedoCount:          redoCount,
	})
	if err != nil {
		c.logger.Warnf("Collusion tracking for task %s failed: %v", task.TaskID, err)
		return
	}
	if pattern == nil {
		return
	}
	if err := c.repo.SetCollusionPattern(ctx, task.TaskID, pattern.Fingerprint); err != nil {
		c.logger.Warnf("Failed to store collusion pattern for task %s: %v", task.TaskID, err)
	}
	if len(pattern.RepeatOffenders) == 0 {
		return
	}

	c.metrics.CollusionFlags.Inc()
	c.logger.Warnf("Task %s rejection flags %d repeat-approving validators",
		task.TaskID, len(pattern.RepeatOffenders))
	for _, offender := range pattern.RepeatOffenders {
		updated, err := c.gate.UpdateReputation(ctx, offender, false)
		if err != nil {
			c.logger.Warnf("Reputation penalty for %s failed: %v", offender, err)
			continue
		}
		_ = c.checker.CheckReputationBounds(ctx, offender, updated)
	}
}

// approversOf lists the validators that scored the rejected front-runner at
// or above the accept midpoint.
func approversOf(task *types.Task) []string {
	rejectedID := task.WinningOutputID
	if len(task.Shortlist) > 0 {
		rejectedID = task.Shortlist[0].OutputID
	}
	if rejectedID == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var approvers []string
	for _, eval := range task.Evaluations {
		if eval.OutputID != rejectedID || eval.Score < consensus.AcceptMidpoint {
			continue
		}
		if _, dup := seen[eval.ValidatorAddress]; dup {
			continue
		}
		seen[eval.ValidatorAddress] = struct{}{}
		approvers = append(approvers, eval.ValidatorAddress)
	}
	return approvers
}

// MarkTaskPaid records the escrow release for a settled task. Payment is
// monotonic: marking a paid task again is a no-op that returns the task.
func (c *Coordinator) MarkTaskPaid(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskStatusPaid {
		return task, nil
	}
	if task.Status != types.TaskStatusConsensusReached {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s, payment requires reached consensus", taskID, task.Status))
	}
	if err := c.checker.CheckNonNegativeAmount(ctx, "deposit_amount", task.DepositAmount.ToBigInt()); err != nil {
		return nil, err
	}

	if err := c.repo.MarkPaid(ctx, taskID); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			reloaded, loadErr := c.repo.GetTask(ctx, taskID)
			if loadErr == nil && reloaded.Status == types.TaskStatusPaid {
				return reloaded, nil
			}
			return nil, taskmesherrors.NewValidationError("status",
				fmt.Sprintf("task %s changed state during payment", taskID))
		}
		return nil, err
	}

	c.metrics.PaymentsReleased.Inc()
	c.observeStatusChange(types.TaskStatusConsensusReached, types.TaskStatusPaid)
	c.logger.Infof("Task %s paid out to the winning miner", taskID)

	paid, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	c.archiveSettled(ctx, paid)
	return paid, nil
}

// archiveSettled refreshes the archived snapshot so anchors built after
// payment bind the settled state. Best effort, like the submit-time upload.
func (c *Coordinator) archiveSettled(ctx context.Context, task *types.Task) {
	if c.archive == nil {
		return
	}
	cid, err := c.archive.Upload(ctx, task)
	if err != nil {
		c.metrics.ArchiveFailures.Inc()
		c.logger.Warnf("Archive upload for settled task %s failed: %v", task.TaskID, err)
		return
	}
	if err := c.repo.SetArchiveCID(ctx, task.TaskID, cid); err != nil {
		c.logger.Warnf("Failed to record archive cid for task %s: %v", task.TaskID, err)
		return
	}
	task.ArchiveCID = cid
}

// AnchorBinding returns the unsigned calldata that binds a settled task to
// its archived state. The coordinator never submits the transaction; the
// settling party does.
func (c *Coordinator) AnchorBinding(ctx context.Context, taskID string) (*anchor.Binding, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.ConsensusReached {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s has not reached consensus", taskID))
	}
	if task.ArchiveCID == "" {
		return nil, taskmesherrors.NewValidationError("archive_cid",
			fmt.Sprintf("task %s has no archived state to anchor", taskID))
	}
	return c.anchors.BuildCallData(task.TaskID, task.ArchiveCID)
}

func shortlistContains(shortlist []types.RankedOutput, outputID string) bool {
	for _, entry := range shortlist {
		if entry.OutputID == outputID {
			return true
		}
	}
	return false
}
