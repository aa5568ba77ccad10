// Package oracle defines the external evaluation oracle contract and its
// HTTP adapter. The oracle scores candidate outputs; the coordinator only
// relays state and applies the verdict.
package oracle

import (
	"context"

	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Result modes reported back on the task record.
const (
	ModeDeterministic  = "deterministic"
	ModeStatistical    = "statistical"
	ModeHumanInTheLoop = "human-in-the-loop"
	ModeBootstrap      = "bootstrap"
)

// DeterministicRequest asks the oracle to replay outputs against the
// manifest's pinned scoring function.
type DeterministicRequest struct {
	TaskID       string                 `json:"task_id"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Outputs      []types.Output         `json:"outputs"`
	Evaluations  []types.Evaluation     `json:"evaluations"`
	ScoringHash  string                 `json:"scoring_hash,omitempty"`
	ReplayConfig map[string]interface{} `json:"replay_config,omitempty"`
}

// StatisticalRequest asks the oracle to aggregate validator evaluations,
// weighted by reputation.
type StatisticalRequest struct {
	TaskID            string                 `json:"task_id"`
	Outputs           []types.Output         `json:"outputs"`
	Evaluations       []types.Evaluation     `json:"evaluations"`
	Reputations       map[string]float64     `json:"reputations,omitempty"`
	DistributionBased bool                   `json:"distribution_based,omitempty"`
	TaskType          string                 `json:"task_type,omitempty"`
	Manifest          *types.TaskManifest    `json:"manifest,omitempty"`
	Input             map[string]interface{} `json:"input,omitempty"`
}

// RankRequest asks the oracle for one evaluator's independent ranking of
// candidate outputs. Used by the bootstrap flow.
type RankRequest struct {
	TaskID    string         `json:"task_id"`
	Evaluator string         `json:"evaluator"`
	Outputs   []types.Output `json:"outputs"`
}

// Result is the oracle's verdict for a task.
type Result struct {
	WinningOutputID string               `json:"winning_output_id"`
	FinalScore      float64              `json:"final_score"`
	Mode            string               `json:"mode"`
	TopOutputs      []types.RankedOutput `json:"top_outputs,omitempty"`
}

// Oracle evaluates a task's output set and picks a winner.
type Oracle interface {
	EvaluateDeterministic(ctx context.Context, req DeterministicRequest) (*Result, error)
	EvaluateStatistical(ctx context.Context, req StatisticalRequest) (*Result, error)
}

// Ranker produces a single evaluator's best-first output ranking.
type Ranker interface {
	RankOutputs(ctx context.Context, req RankRequest) ([]string, error)
}
