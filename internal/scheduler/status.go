package scheduler

import (
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// SystemStatus aggregates the coordination state at one point in
// time. Two calls with no intervening mutation return identical
// values.
type SystemStatus struct {
	Agents               map[registry.Status]int `json:"agents"`
	Tasks                map[tasks.Status]int    `json:"tasks"`
	QueueDepth           int                     `json:"queue_depth"`
	ActiveCollaborations int                     `json:"active_collaborations"`
	TotalCollaborations  int                     `json:"total_collaborations"`
	AvgPerformance       float64                 `json:"avg_performance"`
	Efficiency           float64                 `json:"system_efficiency"`
}

// Status reports current agent, task and collaboration counts.
// Efficiency is the completed share of all finished work; with
// nothing finished yet it reads 1.0.
func (s *Scheduler) Status() SystemStatus {
	taskCounts := s.tasks.CountsByStatus()
	active, total := s.sessions.Counts()

	completed := taskCounts[tasks.StatusCompleted]
	failed := taskCounts[tasks.StatusFailed]
	efficiency := 1.0
	if completed+failed > 0 {
		efficiency = float64(completed) / float64(completed+failed)
	}

	return SystemStatus{
		Agents:               s.registry.CountsByStatus(),
		Tasks:                taskCounts,
		QueueDepth:           s.tasks.QueueLen(),
		ActiveCollaborations: active,
		TotalCollaborations:  total,
		AvgPerformance:       s.registry.AvgPerformance(),
		Efficiency:           efficiency,
	}
}
