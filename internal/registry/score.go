package registry

import (
	"sort"
	"time"
)

// Candidate is an agent ranked by suitability for a task.
type Candidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Suitability scores an agent against a requirement set, clamped to [0,1]:
// 40% normalized performance score, 30% mean proficiency over the matching
// capabilities, 20% speed (estimate vs the agent's historical average,
// capped at 2x), 10% immediate availability. An agent with no history
// gets the full speed term.
func Suitability(a *Agent, requirements []string, estimated time.Duration) float64 {
	perfNorm := a.PerformanceScore / MaxPerformanceScore

	var profSum float64
	var matched int
	for _, req := range requirements {
		for _, c := range a.Capabilities {
			if c.Name == req {
				profSum += c.Proficiency
				matched++
				break
			}
		}
	}
	avgProf := 0.0
	if matched > 0 {
		avgProf = profSum / float64(matched)
	}

	speedRatio := 2.0
	if a.AvgCompletionTime > 0 && estimated > 0 {
		speedRatio = float64(estimated) / float64(a.AvgCompletionTime)
		if speedRatio > 2.0 {
			speedRatio = 2.0
		}
	}

	idle := 0.0
	if a.Status == StatusIdle {
		idle = 1.0
	}

	score := 0.4*perfNorm + 0.3*avgProf + 0.2*speedRatio/2.0 + 0.1*idle
	return clamp(score, 0, 1)
}

// FindSuitable returns idle agents whose capability names cover every
// requirement, ranked by descending suitability. Ties break on
// registration order so ranking is deterministic.
func (r *Registry) FindSuitable(requirements []string, estimated time.Duration) []Candidate {
	r.mu.RLock()
	type ranked struct {
		id    string
		score float64
		seq   int
	}
	var candidates []ranked
	for _, a := range r.agents {
		if a.Status != StatusIdle {
			continue
		}
		if !covers(a.Capabilities, requirements) {
			continue
		}
		candidates = append(candidates, ranked{
			id:    a.ID,
			score: Suitability(a, requirements, estimated),
			seq:   a.seq,
		})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].seq < candidates[j].seq
	})

	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		out[i] = Candidate{ID: c.id, Score: c.score}
	}
	return out
}

func covers(caps []Capability, requirements []string) bool {
	for _, req := range requirements {
		found := false
		for _, c := range caps {
			if c.Name == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
