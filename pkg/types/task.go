package types

import "time"

// TaskStatus tracks a task through its lifecycle. Transitions are
// forward-only; paid and user-rejected are terminal.
type TaskStatus string

const (
	TaskStatusSubmitted        TaskStatus = "submitted"
	TaskStatusMining           TaskStatus = "mining"
	TaskStatusEvaluating       TaskStatus = "evaluating"
	TaskStatusUserSelecting    TaskStatus = "user-selecting"
	TaskStatusConsensusReached TaskStatus = "consensus-reached"
	TaskStatusPaid             TaskStatus = "paid"
	TaskStatusUserRejected     TaskStatus = "user-rejected"
)

// statusRank orders statuses so a stale writer can never move a task
// backwards. Terminal branches share the top rank.
var statusRank = map[TaskStatus]int{
	TaskStatusSubmitted:        0,
	TaskStatusMining:           1,
	TaskStatusEvaluating:       2,
	TaskStatusUserSelecting:    3,
	TaskStatusConsensusReached: 4,
	TaskStatusPaid:             5,
	TaskStatusUserRejected:     5,
}

var statusTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusSubmitted:        {TaskStatusMining},
	TaskStatusMining:           {TaskStatusEvaluating},
	TaskStatusEvaluating:       {TaskStatusUserSelecting, TaskStatusConsensusReached},
	TaskStatusUserSelecting:    {TaskStatusConsensusReached, TaskStatusUserRejected},
	TaskStatusConsensusReached: {TaskStatusPaid},
}

// Rank returns the position of the status in the forward order.
func (s TaskStatus) Rank() int {
	return statusRank[s]
}

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusPaid || s == TaskStatusUserRejected
}

// CanAdvanceTo reports whether the transition s -> next is allowed.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status value.
func (s TaskStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// Task is the coordinator-owned record of one unit of work. All mutation
// happens through coordinator operations; external collaborators receive
// copies or read-only views.
type Task struct {
	TaskID        string                 `json:"task_id"`
	NetworkID     int64                  `json:"network_id"`
	Status        TaskStatus             `json:"status"`
	ManifestID    string                 `json:"manifest_id"`
	Depositor     string                 `json:"depositor"`
	DepositAmount *BigInt                `json:"deposit_amount"` // wei
	Input         map[string]interface{} `json:"input"`

	Outputs     []Output     `json:"outputs,omitempty"`
	Evaluations []Evaluation `json:"evaluations,omitempty"`

	ConsensusReached bool    `json:"consensus_reached"`
	WinningOutputID  string  `json:"winning_output_id,omitempty"`
	FinalScore       float64 `json:"final_score,omitempty"`
	ResultMode       string  `json:"result_mode,omitempty"`
	PaymentReleased  bool    `json:"payment_released"`

	Shortlist      []RankedOutput  `json:"shortlist,omitempty"`
	HumanSelection *HumanSelection `json:"human_selection,omitempty"`

	// Redo lineage. LineageRoot is the first task of the chain; RedoCount
	// is this task's position in it (0 for the root).
	LineageRoot string `json:"lineage_root"`
	RedoCount   int    `json:"redo_count"`

	CollusionPattern string `json:"collusion_pattern,omitempty"`
	ArchiveCID       string `json:"archive_cid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindOutput returns the output with the given id, if present.
func (t *Task) FindOutput(outputID string) (*Output, bool) {
	for i := range t.Outputs {
		if t.Outputs[i].OutputID == outputID {
			return &t.Outputs[i], true
		}
	}
	return nil, false
}

// EvaluationsForOutput returns all evaluations that scored the given output.
func (t *Task) EvaluationsForOutput(outputID string) []Evaluation {
	var evals []Evaluation
	for _, e := range t.Evaluations {
		if e.OutputID == outputID {
			evals = append(evals, e)
		}
	}
	return evals
}

// Output is a miner-submitted candidate result. Immutable once accepted;
// OutputID is the keccak-256 digest of the canonical payload, so identical
// payloads always carry the same id regardless of JSON key order.
type Output struct {
	OutputID     string                 `json:"output_id"`
	TaskID       string                 `json:"task_id"`
	MinerAddress string                 `json:"miner_address"`
	Payload      map[string]interface{} `json:"payload"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Evaluation is a validator's signed score for one output. Immutable once
// accepted; the signature is format-checked at submission and
// cryptographically verified when the batch is processed.
type Evaluation struct {
	TaskID           string  `json:"task_id"`
	ValidatorAddress string  `json:"validator_address"`
	OutputID         string  `json:"output_id"`
	Score            float64 `json:"score"`      // 0..100
	Confidence       float64 `json:"confidence"` // 0..1
	Signature        string  `json:"signature"`  // hex, 65 bytes
	Timestamp        int64   `json:"timestamp"`  // unix milliseconds
}

// EvaluationMessage is the payload a validator signs. Canonicalized with
// RFC 8785 before hashing so signer and verifier agree on bytes.
type EvaluationMessage struct {
	NetworkID  int64   `json:"network_id"`
	TaskID     string  `json:"task_id"`
	OutputID   string  `json:"output_id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// MessageForEvaluation builds the signable message for an evaluation.
func MessageForEvaluation(networkID int64, e Evaluation) EvaluationMessage {
	return EvaluationMessage{
		NetworkID:  networkID,
		TaskID:     e.TaskID,
		OutputID:   e.OutputID,
		Score:      e.Score,
		Confidence: e.Confidence,
		Timestamp:  e.Timestamp,
	}
}

// RankedOutput is one entry of a ranked shortlist.
type RankedOutput struct {
	OutputID       string  `json:"output_id"`
	WeightedScore  float64 `json:"weighted_score"`
	AgreementScore float64 `json:"agreement_score,omitempty"`
}

// HumanSelection records the depositor's choice among shortlisted outputs.
type HumanSelection struct {
	OutputID   string    `json:"output_id"`
	SelectedBy string    `json:"selected_by"`
	SelectedAt time.Time `json:"selected_at"`
}

// TaskAnnouncement is broadcast to peers after a task is accepted.
type TaskAnnouncement struct {
	TaskID        string    `json:"task_id"`
	NetworkID     int64     `json:"network_id"`
	TaskType      string    `json:"task_type"`
	DepositAmount string    `json:"deposit_amount"`
	CreatedAt     time.Time `json:"created_at"`
}
