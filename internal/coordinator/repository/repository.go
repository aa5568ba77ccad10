// Package repository persists tasks, outputs and evaluations. Outputs and
// evaluations are append-only; every task-header status change is a
// compare-and-set on the current status so a stale writer can never move a
// task backwards.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Conditional-write outcomes. Callers decide whether a duplicate insert is
// idempotent (content-addressed outputs) or a conflict (evaluations).
var (
	ErrAlreadyExists = errors.New("record already exists")
	ErrStaleStatus   = errors.New("task status changed concurrently")
)

// TaskRepository is the storage contract for the task lifecycle.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	GetTaskIDsByStatus(ctx context.Context, status types.TaskStatus) ([]string, error)

	AddOutput(ctx context.Context, output *types.Output) error
	AddEvaluation(ctx context.Context, eval *types.Evaluation) error

	UpdateTaskStatus(ctx context.Context, taskID string, from, to types.TaskStatus) error
	SetConsensusResult(ctx context.Context, taskID string, winningOutputID string, finalScore float64, resultMode string) error
	SetShortlist(ctx context.Context, taskID string, shortlist []types.RankedOutput, resultMode string) error
	SetHumanSelection(ctx context.Context, taskID string, selection *types.HumanSelection) error
	MarkPaid(ctx context.Context, taskID string) error
	SetCollusionPattern(ctx context.Context, taskID string, fingerprint string) error
	SetArchiveCID(ctx context.Context, taskID string, cid string) error
}

// checkTransition guards the forward-only status machine at the storage
// boundary. An illegal transition is a coordinator bug, not caller input.
func checkTransition(taskID string, from, to types.TaskStatus) error {
	if !from.CanAdvanceTo(to) {
		return &taskmesherrors.InvariantViolation{
			Name:     "status_transition",
			Severity: "high",
			Detail:   fmt.Sprintf("illegal transition %s -> %s for task %s", from, to, taskID),
		}
	}
	return nil
}

// encodeJSON serializes v for a text column. Nil values store as the empty
// string so absent data round-trips as absent.
func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return string(raw), nil
}

func decodeInput(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("failed to decode task input: %w", err)
	}
	return input, nil
}

func decodePayload(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode output payload: %w", err)
	}
	return payload, nil
}

func decodeShortlist(raw string) ([]types.RankedOutput, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var shortlist []types.RankedOutput
	if err := json.Unmarshal([]byte(raw), &shortlist); err != nil {
		return nil, fmt.Errorf("failed to decode shortlist: %w", err)
	}
	return shortlist, nil
}

func decodeSelection(raw string) (*types.HumanSelection, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var selection types.HumanSelection
	if err := json.Unmarshal([]byte(raw), &selection); err != nil {
		return nil, fmt.Errorf("failed to decode human selection: %w", err)
	}
	return &selection, nil
}

// encodeAmount stores a wei amount as its decimal string; nil stores empty.
func encodeAmount(amount *types.BigInt) string {
	if amount == nil || amount.Int == nil {
		return ""
	}
	return amount.Int.String()
}

func decodeAmount(raw string) (*types.BigInt, error) {
	if raw == "" {
		return nil, nil
	}
	amount, err := types.ParseBigInt(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode deposit amount %q: %w", raw, err)
	}
	return amount, nil
}
