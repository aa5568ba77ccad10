package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh-backend/internal/bootstrap"
	"github.com/taskmesh/taskmesh-backend/internal/consensus"
	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	"github.com/taskmesh/taskmesh-backend/pkg/cryptography"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/manifest"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// DroppedEvaluation records one evaluation excluded from consensus.
type DroppedEvaluation struct {
	Index     int    `json:"index"`
	Validator string `json:"validator"`
	Reason    string `json:"reason"`
}

// ProcessResult reports what one evaluation pass did to a task.
type ProcessResult struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`

	Consensus *consensus.Decision `json:"consensus,omitempty"`
	Oracle    *oracle.Result      `json:"oracle,omitempty"`

	WinningOutputID string               `json:"winning_output_id,omitempty"`
	FinalScore      float64              `json:"final_score,omitempty"`
	Shortlist       []types.RankedOutput `json:"shortlist,omitempty"`

	Bootstrap *types.BootstrapConfig `json:"bootstrap,omitempty"`
	Rankings  map[string][]string    `json:"rankings,omitempty"`

	Dropped  []DroppedEvaluation `json:"dropped_evaluations,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// ProcessEvaluations runs one evaluation pass over a task: verify the
// signed evaluations, apply the consensus rule and settle the outcome. The
// network population is probed first; a degenerate population routes the
// task through the bootstrap controller instead, since a network without
// validators can never satisfy an evaluation minimum. Passes for the same
// task are serialized through the locker.
func (c *Coordinator) ProcessEvaluations(ctx context.Context, taskID string) (*ProcessResult, error) {
	release, err := c.locker.Acquire(ctx, taskLockKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire processing lock for task %s: %w", taskID, err)
	}
	defer release()

	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Rank() > types.TaskStatusEvaluating.Rank() {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("task %s is %s and is past evaluation processing", taskID, task.Status))
	}
	compiled, err := c.manifests.Get(task.ManifestID)
	if err != nil {
		return nil, err
	}

	population, probeOK := c.taskPopulation(ctx, task)
	if probeOK {
		if mode, _ := bootstrap.ModeFor(len(population.Validators), len(population.Miners)); mode != types.BootstrapModeNormal {
			return c.processBootstrap(ctx, task, population)
		}
	}
	return c.processConsensus(ctx, task, compiled)
}

// taskPopulation derives who can act on a task: validators assigned by the
// registry, miners from the outputs already submitted. ok is false when the
// validator set could not be resolved; the caller then stays on the normal
// path, because a lookup failure must never grant a degraded-security mode.
func (c *Coordinator) taskPopulation(ctx context.Context, task *types.Task) (bootstrap.Population, bool) {
	population := bootstrap.Population{Miners: minerAddresses(task)}
	if c.population == nil {
		return population, false
	}
	validators, err := c.population.SelectedValidators(ctx, task.TaskID)
	if err != nil {
		c.logger.Warnf("Validator lookup for task %s failed, staying on the normal path: %v", task.TaskID, err)
		return population, false
	}
	population.Validators = validators
	return population, true
}

func (c *Coordinator) processConsensus(ctx context.Context, task *types.Task, compiled *manifest.Compiled) (*ProcessResult, error) {
	m := compiled.Manifest
	if len(task.Evaluations) < m.MinValidators {
		return nil, &taskmesherrors.InsufficientValidatorsError{
			Got:      len(task.Evaluations),
			Required: m.MinValidators,
		}
	}

	started := time.Now()
	result := &ProcessResult{TaskID: task.TaskID, Status: task.Status}

	batch := cryptography.VerifyBatch(task.NetworkID, task.Evaluations)
	for _, verdict := range batch.Invalid() {
		c.metrics.EvaluationsRejected.WithLabelValues("signature").Inc()
		c.logger.Warnf("Dropping evaluation %d on task %s from %s: %v",
			verdict.Index, task.TaskID, verdict.Evaluation.ValidatorAddress, verdict.Err)
		result.Dropped = append(result.Dropped, DroppedEvaluation{
			Index:     verdict.Index,
			Validator: verdict.Evaluation.ValidatorAddress,
			Reason:    verdict.Err.Error(),
		})
	}
	valid := batch.Valid()
	c.metrics.ValidatorsQualified.Set(float64(len(valid)))
	if len(valid) < m.MinValidators {
		return nil, &taskmesherrors.InsufficientValidatorsError{
			Got:      len(valid),
			Required: m.MinValidators,
		}
	}

	if task.Status == types.TaskStatusMining {
		if err := c.advance(ctx, task, types.TaskStatusEvaluating); err != nil {
			return nil, err
		}
		result.Status = task.Status
	}

	decision := c.consensus.Decide(valid)
	result.Consensus = &decision
	c.metrics.ConsensusDuration.Observe(time.Since(started).Seconds())
	if !decision.Reached {
		c.metrics.ConsensusRounds.WithLabelValues("not_reached").Inc()
		c.logger.Infof("Task %s consensus not reached: %d of %d accepting, %d required",
			task.TaskID, decision.Accepting, decision.Total, decision.Required)
		return result, nil
	}
	c.metrics.ConsensusRounds.WithLabelValues("reached").Inc()

	verdict, err := c.evaluateWithOracle(ctx, task, m, valid)
	if err != nil {
		return nil, err
	}
	result.Oracle = verdict

	if m.HumanSelection {
		shortlist := shortlistFrom(verdict, m.ShortlistSize)
		if err := c.repo.SetShortlist(ctx, task.TaskID, shortlist, types.ResultModeHumanInLoop); err != nil {
			return nil, err
		}
		if err := c.advance(ctx, task, types.TaskStatusUserSelecting); err != nil {
			return nil, err
		}
		result.Status = task.Status
		result.Shortlist = shortlist
		c.logger.Infof("Task %s awaits user selection among %d outputs", task.TaskID, len(shortlist))
		return result, nil
	}

	if err := c.repo.SetConsensusResult(ctx, task.TaskID, verdict.WinningOutputID, verdict.FinalScore, verdict.Mode); err != nil {
		return nil, err
	}
	if err := c.advance(ctx, task, types.TaskStatusConsensusReached); err != nil {
		return nil, err
	}
	c.settleReputations(ctx, valid, verdict.WinningOutputID)

	result.Status = task.Status
	result.WinningOutputID = verdict.WinningOutputID
	result.FinalScore = verdict.FinalScore
	c.logger.Infof("Task %s reached consensus on output %s with score %.2f",
		task.TaskID, verdict.WinningOutputID, verdict.FinalScore)
	return result, nil
}

// processBootstrap settles a task under a degenerate population. With no
// miners the pass only plans role conversions; with no validators the
// converted validators rank whatever outputs exist. A single output wins
// outright, anything more goes to the user as a shortlist.
func (c *Coordinator) processBootstrap(ctx context.Context, task *types.Task, population bootstrap.Population) (*ProcessResult, error) {
	plan, err := c.bootstrap.Plan(ctx, task, population)
	if err != nil {
		return nil, err
	}
	c.metrics.BootstrapTasks.WithLabelValues(string(plan.Mode)).Inc()
	for _, warning := range plan.Warnings {
		c.logger.Warnf("Task %s bootstrap: %s", task.TaskID, warning)
	}

	result := &ProcessResult{
		TaskID:    task.TaskID,
		Status:    task.Status,
		Bootstrap: plan,
		Warnings:  plan.Warnings,
	}
	if len(task.Outputs) == 0 {
		// Conversions are planned, but nothing can be settled until the
		// converted miners submit outputs.
		c.logger.Infof("Task %s planned under %s mode, waiting for outputs", task.TaskID, plan.Mode)
		return result, nil
	}

	if task.Status == types.TaskStatusMining {
		if err := c.advance(ctx, task, types.TaskStatusEvaluating); err != nil {
			return nil, err
		}
		result.Status = task.Status
	}

	selection := c.bootstrap.EvaluateOutputs(ctx, task, plan.ConvertedValidators)
	result.Rankings = selection.Rankings
	result.Warnings = append(result.Warnings, selection.Warnings...)

	if len(task.Outputs) == 1 && len(selection.Shortlist) == 1 {
		winner := selection.Shortlist[0].OutputID
		if err := c.repo.SetConsensusResult(ctx, task.TaskID, winner, types.MaxScore, types.ResultModeBootstrap); err != nil {
			return nil, err
		}
		if err := c.advance(ctx, task, types.TaskStatusConsensusReached); err != nil {
			return nil, err
		}
		c.metrics.ConsensusRounds.WithLabelValues("bootstrap").Inc()
		result.Status = task.Status
		result.WinningOutputID = winner
		result.FinalScore = types.MaxScore
		c.logger.Infof("Task %s accepted its only output %s under bootstrap", task.TaskID, winner)
		return result, nil
	}

	if err := c.repo.SetShortlist(ctx, task.TaskID, selection.Shortlist, types.ResultModeBootstrap); err != nil {
		return nil, err
	}
	if err := c.advance(ctx, task, types.TaskStatusUserSelecting); err != nil {
		return nil, err
	}
	result.Status = task.Status
	result.Shortlist = selection.Shortlist
	c.logger.Infof("Task %s awaits user selection among %d bootstrap-ranked outputs",
		task.TaskID, len(selection.Shortlist))
	return result, nil
}

// evaluateWithOracle routes the verified evaluations through the manifest's
// evaluation mode and sanity-checks the verdict before it is applied.
func (c *Coordinator) evaluateWithOracle(ctx context.Context, task *types.Task, m *types.TaskManifest, evals []types.Evaluation) (*oracle.Result, error) {
	var (
		verdict *oracle.Result
		err     error
	)
	switch m.EvaluationMode {
	case types.EvaluationModeStatistical:
		verdict, err = c.oracle.EvaluateStatistical(ctx, oracle.StatisticalRequest{
			TaskID:            task.TaskID,
			Outputs:           task.Outputs,
			Evaluations:       evals,
			Reputations:       c.reputationsFor(ctx, evals),
			DistributionBased: m.DistributionBased,
			TaskType:          m.TaskType,
			Manifest:          m,
			Input:             task.Input,
		})
	default:
		verdict, err = c.oracle.EvaluateDeterministic(ctx, oracle.DeterministicRequest{
			TaskID:       task.TaskID,
			Input:        task.Input,
			Outputs:      task.Outputs,
			Evaluations:  evals,
			ScoringHash:  m.ScoringHash,
			ReplayConfig: m.ReplayConfig,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("oracle evaluation for task %s failed: %w", task.TaskID, err)
	}
	if verdict == nil {
		return nil, &taskmesherrors.InvariantViolation{
			Name:     "oracle_result",
			Severity: "high",
			Detail:   fmt.Sprintf("oracle returned no verdict for task %s", task.TaskID),
		}
	}
	if _, ok := task.FindOutput(verdict.WinningOutputID); !ok {
		return nil, &taskmesherrors.InvariantViolation{
			Name:     "oracle_winner",
			Severity: "high",
			Detail:   fmt.Sprintf("oracle picked unknown output %q for task %s", verdict.WinningOutputID, task.TaskID),
		}
	}
	if verdict.FinalScore < types.MinScore || verdict.FinalScore > types.MaxScore {
		return nil, &taskmesherrors.InvariantViolation{
			Name:     "oracle_score",
			Severity: "high",
			Detail:   fmt.Sprintf("oracle scored task %s outside bounds: %v", task.TaskID, verdict.FinalScore),
		}
	}
	if verdict.Mode == "" {
		verdict.Mode = string(m.EvaluationMode)
	}
	return verdict, nil
}

// reputationsFor resolves current reputations for the evaluating
// validators. Lookups that fail are skipped so the oracle falls back to
// unweighted aggregation for those validators.
func (c *Coordinator) reputationsFor(ctx context.Context, evals []types.Evaluation) map[string]float64 {
	reputations := make(map[string]float64, len(evals))
	seen := make(map[string]struct{}, len(evals))
	for _, eval := range evals {
		if _, ok := seen[eval.ValidatorAddress]; ok {
			continue
		}
		seen[eval.ValidatorAddress] = struct{}{}
		qualification, err := c.gate.Qualify(ctx, eval.ValidatorAddress)
		if err != nil {
			c.logger.Warnf("Reputation lookup for %s failed: %v", eval.ValidatorAddress, err)
			continue
		}
		reputations[eval.ValidatorAddress] = qualification.Reputation
	}
	return reputations
}

// settleReputations applies the post-settlement reputation rule: a
// validator that scored the winning output at or above the accept midpoint
// was correct, one that scored it below was not. Validators that never
// evaluated the winner are untouched. Failures are logged, never fatal.
func (c *Coordinator) settleReputations(ctx context.Context, evals []types.Evaluation, winnerID string) {
	for _, eval := range evals {
		if eval.OutputID != winnerID {
			continue
		}
		correct := eval.Score >= consensus.AcceptMidpoint
		updated, err := c.gate.UpdateReputation(ctx, eval.ValidatorAddress, correct)
		if err != nil {
			c.logger.Warnf("Reputation update for %s failed: %v", eval.ValidatorAddress, err)
			continue
		}
		// The stored value is already authoritative; a violation only alerts.
		_ = c.checker.CheckReputationBounds(ctx, eval.ValidatorAddress, updated)
	}
}

// shortlistFrom caps the oracle's ranking at the manifest's shortlist size,
// falling back to the bare winner when the oracle ranked nothing.
func shortlistFrom(verdict *oracle.Result, size int) []types.RankedOutput {
	if size <= 0 {
		size = types.DefaultShortlistSize
	}
	if len(verdict.TopOutputs) == 0 {
		return []types.RankedOutput{{
			OutputID:      verdict.WinningOutputID,
			WeightedScore: verdict.FinalScore,
		}}
	}
	if len(verdict.TopOutputs) <= size {
		return verdict.TopOutputs
	}
	return verdict.TopOutputs[:size]
}
