package types

import "encoding/json"

// EvaluationMode selects how processed evaluations are scored.
type EvaluationMode string

const (
	EvaluationModeDeterministic EvaluationMode = "deterministic"
	EvaluationModeStatistical   EvaluationMode = "statistical"
)

// Result modes recorded on a finished task. Oracle modes reuse the
// evaluation mode names.
const (
	ResultModeHumanInLoop = "human-in-the-loop"
	ResultModeBootstrap   = "bootstrap"
)

// TaskManifest declares how tasks of one type are validated, evaluated and
// settled. Manifests are immutable once published; tasks reference them by id.
type TaskManifest struct {
	ManifestID string `json:"manifest_id" yaml:"manifest_id"`
	NetworkID  int64  `json:"network_id" yaml:"network_id"`
	TaskType   string `json:"task_type" yaml:"task_type"`

	// JSON Schema documents (draft 2020-12) for task input and miner output.
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`

	EvaluationMode EvaluationMode `json:"evaluation_mode" yaml:"evaluation_mode"`
	MinValidators  int            `json:"min_validators" yaml:"min_validators"`

	// Human-in-the-loop settings.
	HumanSelection bool `json:"human_selection" yaml:"human_selection"`
	ShortlistSize  int  `json:"shortlist_size" yaml:"shortlist_size"`
	RedoEnabled    bool `json:"redo_enabled" yaml:"redo_enabled"`
	RedoLimit      int  `json:"redo_limit" yaml:"redo_limit"`

	// Oracle hints.
	ScoringHash       string                 `json:"scoring_hash,omitempty" yaml:"scoring_hash,omitempty"`
	DistributionBased bool                   `json:"distribution_based" yaml:"distribution_based"`
	ReplayConfig      map[string]interface{} `json:"replay_config,omitempty" yaml:"replay_config,omitempty"`
}

// Normalize fills unset fields with protocol defaults.
func (m *TaskManifest) Normalize() {
	if m.EvaluationMode == "" {
		m.EvaluationMode = EvaluationModeDeterministic
	}
	if m.MinValidators <= 0 {
		m.MinValidators = DefaultMinValidators
	}
	if m.ShortlistSize <= 0 {
		m.ShortlistSize = DefaultShortlistSize
	}
	if m.RedoLimit <= 0 {
		m.RedoLimit = DefaultRedoLimit
	}
}
