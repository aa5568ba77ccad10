package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// ShortlistSize is how many outputs a bootstrap evaluation offers the user.
const ShortlistSize = 2

// Selection is the outcome of a bootstrap evaluation pass. The user picks
// the winner from Shortlist; Rankings holds each evaluator's independent
// best-first order for later agreement rewards.
type Selection struct {
	Shortlist []types.RankedOutput
	Rankings  map[string][]string
	Direct    bool // outputs went to the user without ranking
	Warnings  []string
}

// EvaluateOutputs builds the user-facing shortlist for a task processed
// under bootstrap mode. Two or fewer outputs go to the user directly. With
// three or more, every evaluator ranks the outputs independently through
// the oracle; an evaluator whose oracle call fails falls back to a
// deterministic hash order instead of dropping out. Any unexpected failure
// degrades to a trivial first-N selection rather than refusing the task.
func (c *Controller) EvaluateOutputs(ctx context.Context, task *types.Task, evaluators []string) (selection *Selection) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Bootstrap evaluation for task %s panicked: %v", task.TaskID, r)
			selection = trivialSelection(task.Outputs)
			selection.Warnings = append(selection.Warnings,
				fmt.Sprintf("bootstrap evaluation failed unexpectedly (%v); outputs listed in submission order", r))
		}
	}()

	outputs := task.Outputs
	if len(outputs) <= ShortlistSize {
		selection = trivialSelection(outputs)
		selection.Warnings = append(selection.Warnings, "too few outputs to rank; user picks directly")
		return selection
	}
	if len(evaluators) == 0 {
		selection = trivialSelection(outputs)
		selection.Warnings = append(selection.Warnings, "no evaluators available; outputs listed in submission order")
		return selection
	}

	selection = &Selection{Rankings: make(map[string][]string, len(evaluators))}

	for _, evaluator := range evaluators {
		ranking := c.rankForEvaluator(ctx, task, evaluator)
		if len(ranking) == 0 {
			ranking = hashOrder(outputs, evaluator)
			selection.Warnings = append(selection.Warnings,
				fmt.Sprintf("evaluator %s ranked by hash fallback", evaluator))
		}
		selection.Rankings[evaluator] = ranking
	}

	// First evaluator's top pick anchors the shortlist; the remainder is
	// re-ranked across every evaluator for the second slot.
	first := selection.Rankings[evaluators[0]]
	topPick := first[0]
	selection.Shortlist = append(selection.Shortlist, types.RankedOutput{
		OutputID:      topPick,
		WeightedScore: positionScore(0, len(outputs)),
	})

	if runnerUp, ok := rerankRemainder(selection.Rankings, evaluators, topPick); ok {
		selection.Shortlist = append(selection.Shortlist, runnerUp)
	}

	return selection
}

// rankForEvaluator asks the oracle for one evaluator's ranking and filters
// it down to output ids the task actually has. Failures return nil so the
// caller applies the hash fallback.
func (c *Controller) rankForEvaluator(ctx context.Context, task *types.Task, evaluator string) []string {
	if c.ranker == nil {
		return nil
	}
	ranked, err := c.ranker.RankOutputs(ctx, oracle.RankRequest{
		TaskID:    task.TaskID,
		Evaluator: evaluator,
		Outputs:   task.Outputs,
	})
	if err != nil {
		c.logger.Warnf("Oracle ranking for task %s evaluator %s failed: %v", task.TaskID, evaluator, err)
		return nil
	}

	known := make(map[string]struct{}, len(task.Outputs))
	for _, output := range task.Outputs {
		known[output.OutputID] = struct{}{}
	}
	var filtered []string
	seen := make(map[string]struct{}, len(ranked))
	for _, id := range ranked {
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		filtered = append(filtered, id)
	}
	return filtered
}

// rerankRemainder picks the best non-top output by average rank position
// across every evaluator. Outputs an evaluator did not rank count as
// last place for that evaluator.
func rerankRemainder(rankings map[string][]string, evaluators []string, topPick string) (types.RankedOutput, bool) {
	candidateSet := make(map[string]struct{})
	for _, evaluator := range evaluators {
		for _, id := range rankings[evaluator] {
			if id != topPick {
				candidateSet[id] = struct{}{}
			}
		}
	}
	if len(candidateSet) == 0 {
		return types.RankedOutput{}, false
	}

	positions := make(map[string]float64, len(candidateSet))
	for _, evaluator := range evaluators {
		ranking := rankings[evaluator]
		ranked := make(map[string]int, len(ranking))
		for pos, id := range ranking {
			ranked[id] = pos
		}
		for id := range candidateSet {
			if pos, ok := ranked[id]; ok {
				positions[id] += float64(pos)
			} else {
				positions[id] += float64(len(ranking))
			}
		}
	}

	candidates := make([]string, 0, len(candidateSet))
	for id := range candidateSet {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if positions[candidates[i]] != positions[candidates[j]] {
			return positions[candidates[i]] < positions[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	best := candidates[0]
	total := len(candidateSet) + 1 // remainder plus the top pick
	avg := positions[best] / float64(len(evaluators))
	return types.RankedOutput{
		OutputID:       best,
		WeightedScore:  positionScore(avg, total),
		AgreementScore: agreementShare(rankings, best),
	}, true
}

// Agreement reports, per evaluator, whether the evaluator's top pick
// matched the user's final choice. Exact match only; rewards key off this.
func Agreement(rankings map[string][]string, chosenOutputID string) map[string]bool {
	agreement := make(map[string]bool, len(rankings))
	for evaluator, ranking := range rankings {
		agreement[evaluator] = len(ranking) > 0 && ranking[0] == chosenOutputID
	}
	return agreement
}

// hashOrder orders outputs by keccak(outputID || evaluator), ascending.
// Deterministic for a given evaluator, uncorrelated across evaluators.
func hashOrder(outputs []types.Output, evaluator string) []string {
	type hashed struct {
		id     string
		digest []byte
	}
	ranked := make([]hashed, len(outputs))
	for i, output := range outputs {
		ranked[i] = hashed{
			id:     output.OutputID,
			digest: crypto.Keccak256([]byte(output.OutputID), []byte(evaluator)),
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		for k := range ranked[i].digest {
			if ranked[i].digest[k] != ranked[j].digest[k] {
				return ranked[i].digest[k] < ranked[j].digest[k]
			}
		}
		return ranked[i].id < ranked[j].id
	})
	ordered := make([]string, len(ranked))
	for i, r := range ranked {
		ordered[i] = r.id
	}
	return ordered
}

// trivialSelection lists the first outputs in submission order, capped at
// the shortlist size.
func trivialSelection(outputs []types.Output) *Selection {
	selection := &Selection{Direct: true, Rankings: map[string][]string{}}
	for i, output := range outputs {
		if i == ShortlistSize {
			break
		}
		selection.Shortlist = append(selection.Shortlist, types.RankedOutput{OutputID: output.OutputID})
	}
	return selection
}

// positionScore converts a rank position into a 0..100 score, best first.
func positionScore(position float64, total int) float64 {
	if total <= 0 {
		return 0
	}
	score := types.MaxScore * (float64(total) - position) / float64(total)
	if score < types.MinScore {
		return types.MinScore
	}
	return score
}

// agreementShare is the fraction of evaluators whose top pick was id.
func agreementShare(rankings map[string][]string, id string) float64 {
	if len(rankings) == 0 {
		return 0
	}
	matches := 0
	for _, ranking := range rankings {
		if len(ranking) > 0 && ranking[0] == id {
			matches++
		}
	}
	return float64(matches) / float64(len(rankings))
}
