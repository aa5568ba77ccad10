package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// MemoryRepository is the in-process TaskRepository used by tests and
// single-node development. Conditional-write semantics match the Cassandra
// implementation exactly.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*types.Task)}
}

func (r *MemoryRepository) CreateTask(_ context.Context, task *types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.TaskID]; exists {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrAlreadyExists)
	}
	r.tasks[task.TaskID] = copyTask(task)
	return nil
}

func (r *MemoryRepository) GetTask(_ context.Context, taskID string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return nil, &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	return copyTask(task), nil
}

func (r *MemoryRepository) GetTaskIDsByStatus(_ context.Context, status types.TaskStatus) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var taskIDs []string
	for id, task := range r.tasks {
		if task.Status == status {
			taskIDs = append(taskIDs, id)
		}
	}
	return taskIDs, nil
}

func (r *MemoryRepository) AddOutput(_ context.Context, output *types.Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[output.TaskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: output.TaskID}
	}
	for _, existing := range task.Outputs {
		if existing.OutputID == output.OutputID {
			return fmt.Errorf("output %s: %w", output.OutputID, ErrAlreadyExists)
		}
	}
	task.Outputs = append(task.Outputs, *copyOutput(output))
	return nil
}

func (r *MemoryRepository) AddEvaluation(_ context.Context, eval *types.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[eval.TaskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: eval.TaskID}
	}
	for _, existing := range task.Evaluations {
		if existing.ValidatorAddress == eval.ValidatorAddress && existing.OutputID == eval.OutputID {
			return fmt.Errorf("evaluation by %s for output %s: %w", eval.ValidatorAddress, eval.OutputID, ErrAlreadyExists)
		}
	}
	task.Evaluations = append(task.Evaluations, *eval)
	return nil
}

func (r *MemoryRepository) UpdateTaskStatus(_ context.Context, taskID string, from, to types.TaskStatus) error {
	if err := checkTransition(taskID, from, to); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	if task.Status != from {
		return fmt.Errorf("task %s (%s -> %s): %w", taskID, from, to, ErrStaleStatus)
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetConsensusResult(_ context.Context, taskID string, winningOutputID string, finalScore float64, resultMode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	task.ConsensusReached = true
	task.WinningOutputID = winningOutputID
	task.FinalScore = finalScore
	task.ResultMode = resultMode
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetShortlist(_ context.Context, taskID string, shortlist []types.RankedOutput, resultMode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	task.Shortlist = append([]types.RankedOutput(nil), shortlist...)
	task.ResultMode = resultMode
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetHumanSelection(_ context.Context, taskID string, selection *types.HumanSelection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	if selection == nil {
		task.HumanSelection = nil
	} else {
		cloned := *selection
		task.HumanSelection = &cloned
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) MarkPaid(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	if task.Status != types.TaskStatusConsensusReached {
		return fmt.Errorf("task %s: %w", taskID, ErrStaleStatus)
	}
	task.Status = types.TaskStatusPaid
	task.PaymentReleased = true
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetCollusionPattern(_ context.Context, taskID string, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	task.CollusionPattern = fingerprint
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SetArchiveCID(_ context.Context, taskID string, cid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return &taskmesherrors.NotFoundError{Kind: "task", ID: taskID}
	}
	task.ArchiveCID = cid
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// copyTask deep-copies a task so callers can never mutate stored state.
func copyTask(task *types.Task) *types.Task {
	cloned := *task
	cloned.DepositAmount = task.DepositAmount.Clone()
	cloned.Input = copyMap(task.Input)

	if task.Outputs != nil {
		cloned.Outputs = make([]types.Output, len(task.Outputs))
		for i := range task.Outputs {
			cloned.Outputs[i] = *copyOutput(&task.Outputs[i])
		}
	}
	cloned.Evaluations = append([]types.Evaluation(nil), task.Evaluations...)
	cloned.Shortlist = append([]types.RankedOutput(nil), task.Shortlist...)
	if task.HumanSelection != nil {
		selection := *task.HumanSelection
		cloned.HumanSelection = &selection
	}
	return &cloned
}

func copyOutput(output *types.Output) *types.Output {
	cloned := *output
	cloned.Payload = copyMap(output.Payload)
	return &cloned
}

// copyMap is a one-level copy; nested values are shared. Payloads and inputs
// are treated as immutable once accepted, so this only guards the top level.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
