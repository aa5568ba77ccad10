// Package coordinator owns the task lifecycle from submission through
// payment. It validates submissions against their manifest, accepts miner
// outputs and validator evaluations, runs threshold consensus over verified
// evaluations and settles the winner, delegating to the bootstrap controller
// when the network population is degenerate. All state changes go through
// the repository's compare-and-set operations, so concurrent coordinators
// never move a task backwards.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh-backend/internal/anchor"
	"github.com/taskmesh/taskmesh-backend/internal/bootstrap"
	"github.com/taskmesh/taskmesh-backend/internal/collusion"
	"github.com/taskmesh/taskmesh-backend/internal/consensus"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator/repository"
	"github.com/taskmesh/taskmesh-backend/internal/invariants"
	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/locks"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/manifest"
	"github.com/taskmesh/taskmesh-backend/pkg/metrics"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// ManifestSource resolves manifest ids to compiled manifests.
type ManifestSource interface {
	Get(manifestID string) (*manifest.Compiled, error)
}

// QualificationGate admits validators and maintains their reputations.
type QualificationGate interface {
	Require(ctx context.Context, address string) error
	Qualify(ctx context.Context, address string) (*types.ValidatorQualification, error)
	UpdateReputation(ctx context.Context, address string, correct bool) (float64, error)
}

// PopulationSource reports which validators are assigned to a task.
type PopulationSource interface {
	SelectedValidators(ctx context.Context, taskID string) ([]string, error)
}

// Announcer broadcasts accepted tasks to peers and returns the peer count
// reached.
type Announcer interface {
	Announce(ctx context.Context, announcement types.TaskAnnouncement) int
}

// ArchiveStore persists task state snapshots to content-addressed storage.
type ArchiveStore interface {
	Upload(ctx context.Context, state interface{}) (string, error)
}

// Params carries the coordinator's collaborators. Repository, Manifests,
// Gate, Consensus, Oracle, Bootstrap and Logger are required; the rest are
// optional or defaulted.
type Params struct {
	Repository repository.TaskRepository
	Manifests  ManifestSource
	Gate       QualificationGate
	Consensus  *consensus.Engine
	Oracle     oracle.Oracle
	Bootstrap  *bootstrap.Controller

	// Optional. A nil Population keeps every task on the normal consensus
	// path; nil Archive, Announcer and Collusion skip those side effects.
	Population PopulationSource
	Archive    ArchiveStore
	Announcer  Announcer
	Collusion  collusion.Tracker

	// Defaulted when nil.
	Locker  locks.Locker
	Checker *invariants.Checker
	Metrics *metrics.CoordinatorMetrics

	Logger logging.Logger
}

// Coordinator drives tasks through their lifecycle.
type Coordinator struct {
	repo       repository.TaskRepository
	manifests  ManifestSource
	gate       QualificationGate
	consensus  *consensus.Engine
	oracle     oracle.Oracle
	bootstrap  *bootstrap.Controller
	population PopulationSource
	archive    ArchiveStore
	announcer  Announcer
	collusion  collusion.Tracker
	locker     locks.Locker
	checker    *invariants.Checker
	anchors    *anchor.Builder
	metrics    *metrics.CoordinatorMetrics
	logger     logging.Logger
}

func New(params Params) (*Coordinator, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"repository", params.Repository != nil},
		{"manifests", params.Manifests != nil},
		{"gate", params.Gate != nil},
		{"consensus", params.Consensus != nil},
		{"oracle", params.Oracle != nil},
		{"bootstrap", params.Bootstrap != nil},
		{"logger", params.Logger != nil},
	}
	for _, field := range required {
		if !field.ok {
			return nil, &taskmesherrors.InvalidConfigurationError{
				Field:  field.name,
				Detail: "is required",
			}
		}
	}

	if params.Locker == nil {
		params.Locker = locks.NewKeyedMutex()
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewCoordinatorMetrics(metrics.NewCollector("coordinator"))
	}
	if params.Checker == nil {
		params.Checker = invariants.NewChecker(params.Logger, params.Metrics)
	}
	anchors, err := anchor.NewBuilder()
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		repo:       params.Repository,
		manifests:  params.Manifests,
		gate:       params.Gate,
		consensus:  params.Consensus,
		oracle:     params.Oracle,
		bootstrap:  params.Bootstrap,
		population: params.Population,
		archive:    params.Archive,
		announcer:  params.Announcer,
		collusion:  params.Collusion,
		locker:     params.Locker,
		checker:    params.Checker,
		anchors:    anchors,
		metrics:    params.Metrics,
		logger:     params.Logger,
	}, nil
}

// GetTask returns the full task record.
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return c.repo.GetTask(ctx, taskID)
}

// ListTaskIDs returns the ids of tasks currently in the given status.
func (c *Coordinator) ListTaskIDs(ctx context.Context, status types.TaskStatus) ([]string, error) {
	if !status.IsValid() {
		return nil, taskmesherrors.NewValidationError("status",
			fmt.Sprintf("unknown task status %q", status))
	}
	return c.repo.GetTaskIDsByStatus(ctx, status)
}

// SubmitTask validates a submission against its manifest, assigns identity
// and lineage, persists the task and fans out archive and announcement side
// effects. The draft is normalized in place and returned.
func (c *Coordinator) SubmitTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task == nil {
		return nil, taskmesherrors.NewValidationError("task", "a task submission is required")
	}
	if task.ManifestID == "" {
		return nil, taskmesherrors.NewValidationError("manifest_id", "a manifest id is required")
	}
	compiled, err := c.manifests.Get(task.ManifestID)
	if err != nil {
		return nil, err
	}
	m := compiled.Manifest

	if task.NetworkID == 0 {
		task.NetworkID = m.NetworkID
	}
	if m.NetworkID != 0 && task.NetworkID != m.NetworkID {
		return nil, taskmesherrors.NewValidationError("network_id",
			fmt.Sprintf("task network %d does not match manifest network %d", task.NetworkID, m.NetworkID))
	}
	if !common.IsHexAddress(task.Depositor) {
		return nil, taskmesherrors.NewValidationError("depositor",
			fmt.Sprintf("%q is not a valid address", task.Depositor))
	}
	if task.DepositAmount == nil || task.DepositAmount.Int == nil {
		return nil, taskmesherrors.NewValidationError("deposit_amount", "a deposit is required")
	}
	if task.DepositAmount.IsNegative() {
		return nil, taskmesherrors.NewValidationError("deposit_amount", "must not be negative")
	}
	if err := compiled.ValidateInput(task.Input); err != nil {
		return nil, err
	}

	if task.TaskID == "" {
		task.TaskID = "task-" + uuid.New().String()
	}
	task.Status = types.TaskStatusSubmitted
	task.LineageRoot = task.TaskID
	task.RedoCount = 0
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := c.repo.CreateTask(ctx, task); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, taskmesherrors.NewValidationError("task_id",
				fmt.Sprintf("task %s already exists", task.TaskID))
		}
		return nil, err
	}

	c.metrics.TasksSubmitted.Inc()
	c.metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusSubmitted)).Inc()
	c.logger.Infof("Task %s submitted on network %d under manifest %s", task.TaskID, task.NetworkID, task.ManifestID)

	c.afterSubmit(ctx, task, m)
	return task, nil
}

// afterSubmit archives the accepted task and announces it to peers. Both
// are best-effort and run concurrently; the task is already durable.
func (c *Coordinator) afterSubmit(ctx context.Context, task *types.Task, m *types.TaskManifest) {
	var wg sync.WaitGroup
	if c.archive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cid, err := c.archive.Upload(ctx, task)
			if err != nil {
				c.metrics.ArchiveFailures.Inc()
				c.logger.Warnf("Archive upload for task %s failed: %v", task.TaskID, err)
				return
			}
			if err := c.repo.SetArchiveCID(ctx, task.TaskID, cid); err != nil {
				c.logger.Warnf("Failed to record archive cid for task %s: %v", task.TaskID, err)
				return
			}
			task.ArchiveCID = cid
		}()
	}
	if c.announcer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deposit := ""
			if task.DepositAmount != nil {
				deposit = task.DepositAmount.String()
			}
			peers := c.announcer.Announce(ctx, types.TaskAnnouncement{
				TaskID:        task.TaskID,
				NetworkID:     task.NetworkID,
				TaskType:      m.TaskType,
				DepositAmount: deposit,
				CreatedAt:     task.CreatedAt,
			})
			c.logger.Infof("Task %s announced to %d peers", task.TaskID, peers)
		}()
	}
	wg.Wait()
}

// advance moves the task forward one status with a compare-and-set against
// the status the coordinator loaded, then mirrors the change locally.
func (c *Coordinator) advance(ctx context.Context, task *types.Task, to types.TaskStatus) error {
	if err := c.repo.UpdateTaskStatus(ctx, task.TaskID, task.Status, to); err != nil {
		return err
	}
	c.observeStatusChange(task.Status, to)
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Coordinator) observeStatusChange(from, to types.TaskStatus) {
	c.metrics.TasksByStatus.WithLabelValues(string(from)).Dec()
	c.metrics.TasksByStatus.WithLabelValues(string(to)).Inc()
}

func taskLockKey(taskID string) string {
	return "task:" + taskID
}

// minerAddresses lists the distinct miners that submitted outputs, in
// first-seen order.
func minerAddresses(task *types.Task) []string {
	seen := make(map[string]struct{}, len(task.Outputs))
	var miners []string
	for _, output := range task.Outputs {
		if _, ok := seen[output.MinerAddress]; ok {
			continue
		}
		seen[output.MinerAddress] = struct{}{}
		miners = append(miners, output.MinerAddress)
	}
	return miners
}

// validatorAddresses lists the distinct validators that submitted
// evaluations, in first-seen order.
func validatorAddresses(task *types.Task) []string {
	seen := make(map[string]struct{}, len(task.Evaluations))
	var validators []string
	for _, eval := range task.Evaluations {
		if _, ok := seen[eval.ValidatorAddress]; ok {
			continue
		}
		seen[eval.ValidatorAddress] = struct{}{}
		validators = append(validators, eval.ValidatorAddress)
	}
	return validators
}
