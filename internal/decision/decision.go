// Package decision implements the group decision and conflict
// resolution algorithms. Everything here is a pure function over the
// submitted votes; callers record outcomes in the workspace ledger.
package decision

import (
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/internal/errs"
)

// Outcome is a completed group decision.
type Outcome struct {
	Method             string             `json:"method"`
	Success            bool               `json:"success"`
	Decision           string             `json:"decision,omitempty"`
	Counts             map[string]int     `json:"counts,omitempty"`
	Weights            map[string]float64 `json:"weights,omitempty"`
	Margin             string             `json:"margin,omitempty"`
	ConflictingOptions []string           `json:"conflicting_options,omitempty"`
}

// MajorityVote picks the option with the most votes. A tie breaks in
// favor of the earliest option in the submitted options list; options
// seen only in votes rank after the submitted ones, in first-vote order.
func MajorityVote(votes map[string]string, options []string) (*Outcome, error) {
	if len(votes) == 0 {
		return nil, fmt.Errorf("%w: no votes submitted", errs.ErrValidation)
	}

	counts := make(map[string]int)
	order := append([]string(nil), options...)
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		seen[o] = true
	}
	for _, voter := range sortedKeys(votes) {
		opt := votes[voter]
		counts[opt]++
		if !seen[opt] {
			seen[opt] = true
			order = append(order, opt)
		}
	}

	winner := ""
	best := -1
	for _, opt := range order {
		if counts[opt] > best {
			best = counts[opt]
			winner = opt
		}
	}

	return &Outcome{
		Method:   "majority_vote",
		Success:  true,
		Decision: winner,
		Counts:   counts,
		Margin:   fmt.Sprintf("%d/%d", best, len(votes)),
	}, nil
}

// Consensus succeeds only on unanimity. On disagreement it returns the
// conflicting option set without committing to any of them.
func Consensus(votes map[string]string) (*Outcome, error) {
	if len(votes) == 0 {
		return nil, fmt.Errorf("%w: no votes submitted", errs.ErrValidation)
	}

	distinct := make(map[string]bool)
	for _, opt := range votes {
		distinct[opt] = true
	}

	if len(distinct) == 1 {
		var only string
		for opt := range distinct {
			only = opt
		}
		return &Outcome{Method: "consensus", Success: true, Decision: only}, nil
	}

	conflicting := make([]string, 0, len(distinct))
	for opt := range distinct {
		conflicting = append(conflicting, opt)
	}
	sort.Strings(conflicting)
	return &Outcome{
		Method:             "consensus",
		Success:            false,
		ConflictingOptions: conflicting,
	}, nil
}

// WeightedVote sums voter weights per option; a missing weight counts
// as 1.0. Ties break on the lexicographically smallest option label so
// the result is independent of map iteration order.
func WeightedVote(votes map[string]string, weights map[string]float64) (*Outcome, error) {
	if len(votes) == 0 {
		return nil, fmt.Errorf("%w: no votes submitted", errs.ErrValidation)
	}

	sums := make(map[string]float64)
	for voter, opt := range votes {
		w, ok := weights[voter]
		if !ok {
			w = 1.0
		}
		sums[opt] += w
	}

	opts := make([]string, 0, len(sums))
	for opt := range sums {
		opts = append(opts, opt)
	}
	sort.Strings(opts)

	winner := ""
	best := -1.0
	for _, opt := range opts {
		if sums[opt] > best {
			best = sums[opt]
			winner = opt
		}
	}

	return &Outcome{
		Method:   "weighted_vote",
		Success:  true,
		Decision: winner,
		Weights:  sums,
	}, nil
}

// Allocation is one participant's slot in a round-robin schedule.
type Allocation struct {
	Participant string `json:"participant"`
	Slot        int    `json:"slot"`
}

// Resolution is the outcome of a conflict-resolution request.
type Resolution struct {
	Type        string         `json:"type"`
	Strategy    string         `json:"strategy"`
	Allocations []Allocation   `json:"allocations,omitempty"`
	Recommended string         `json:"recommended,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
}

// ResolveResourceContention time-shares a contended resource across
// the requesting participants in round-robin submission order.
func ResolveResourceContention(requesters []string) (*Resolution, error) {
	if len(requesters) == 0 {
		return nil, fmt.Errorf("%w: no requesters", errs.ErrValidation)
	}
	allocations := make([]Allocation, len(requesters))
	for i, p := range requesters {
		allocations[i] = Allocation{Participant: p, Slot: i}
	}
	return &Resolution{
		Type:        "resource_contention",
		Strategy:    "round_robin",
		Allocations: allocations,
	}, nil
}

// ResolveDisagreement recommends the majority position.
func ResolveDisagreement(positions map[string]string) (*Resolution, error) {
	outcome, err := MajorityVote(positions, nil)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Type:        "decision_disagreement",
		Strategy:    "majority_vote",
		Recommended: outcome.Decision,
		Counts:      outcome.Counts,
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
