// Package collusion tracks validators that repeatedly approve outputs the
// task owner ends up rejecting. A cluster of validators scoring rejected
// work favorably across redo rounds is the cheapest collusion signal the
// coordinator can produce without replaying content.
package collusion

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/logging"
)

// DefaultRepeatThreshold is how many rejected-output approvals inside one
// lineage mark a validator as a repeat offender.
const DefaultRepeatThreshold = 3

// DefaultReputationPenalty is the penalty signal attached when repeat
// offenders are present. The Sybil gate decides whether to apply it.
const DefaultReputationPenalty = 5.0

// Report describes one user rejection and who endorsed the rejected output.
type Report struct {
	TaskID             string   `json:"task_id"`
	LineageRoot        string   `json:"lineage_root"`
	ApprovedValidators []string `json:"approved_validators"`
	TotalValidators    int      `json:"total_validators"`
	RedoCount          int      `json:"redo_count"`
}

// Pattern is the tracker's verdict for one rejection.
type Pattern struct {
	Fingerprint       string   `json:"fingerprint"`
	RepeatOffenders   []string `json:"repeat_offenders,omitempty"`
	ReputationPenalty float64  `json:"reputation_penalty"`
}

// Tracker is the collusion-tracking capability. It is optional on the
// coordinator; a nil tracker skips pattern recording entirely.
type Tracker interface {
	RecordRejection(ctx context.Context, report Report) (*Pattern, error)
}

// MemoryTracker keeps per-lineage approval counts in memory. Deployments
// with an external analytics pipeline replace it behind the Tracker
// interface.
type MemoryTracker struct {
	threshold int
	penalty   float64
	logger    logging.Logger

	mu        sync.Mutex
	approvals map[string]map[string]int // lineage root -> validator -> count
}

func NewMemoryTracker(logger logging.Logger) *MemoryTracker {
	return &MemoryTracker{
		threshold: DefaultRepeatThreshold,
		penalty:   DefaultReputationPenalty,
		logger:    logger,
		approvals: make(map[string]map[string]int),
	}
}

// RecordRejection fingerprints the approving set and flags validators whose
// rejected-output approvals in this lineage reached the repeat threshold.
func (t *MemoryTracker) RecordRejection(ctx context.Context, report Report) (*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lineage := report.LineageRoot
	if lineage == "" {
		lineage = report.TaskID
	}

	t.mu.Lock()
	counts, ok := t.approvals[lineage]
	if !ok {
		counts = make(map[string]int)
		t.approvals[lineage] = counts
	}

	var offenders []string
	for _, validator := range report.ApprovedValidators {
		key := strings.ToLower(validator)
		counts[key]++
		if counts[key] >= t.threshold {
			offenders = append(offenders, key)
		}
	}
	t.mu.Unlock()

	sort.Strings(offenders)

	pattern := &Pattern{Fingerprint: Fingerprint(report)}
	if len(offenders) > 0 {
		pattern.RepeatOffenders = offenders
		pattern.ReputationPenalty = t.penalty
		t.logger.Warnf("Collusion pattern %s on lineage %s: %d repeat offenders",
			pattern.Fingerprint, lineage, len(offenders))
	}
	return pattern, nil
}

// Fingerprint derives a stable id for an approving set: keccak over the
// sorted lowercase validator addresses plus the redo round. Two rejections
// endorsed by the same validators in the same round collide on purpose.
func Fingerprint(report Report) string {
	approved := make([]string, len(report.ApprovedValidators))
	for i, validator := range report.ApprovedValidators {
		approved[i] = strings.ToLower(validator)
	}
	sort.Strings(approved)

	parts := make([][]byte, 0, len(approved)+1)
	for _, validator := range approved {
		parts = append(parts, []byte(validator))
	}
	parts = append(parts, []byte(strconv.Itoa(report.RedoCount)))
	return hexutil.Encode(crypto.Keccak256(parts...))
}
