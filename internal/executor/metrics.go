package executor

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

// OrchestratorMetrics tracks statistics about workflow runs.
type OrchestratorMetrics struct {
	Runs           int
	RunsSucceeded  int
	RunsFailed     int
	StepsCompleted int
	StepsFailed    int
	StepsSkipped   int
	TotalDuration  time.Duration
	LongestStep    time.Duration
	ShortestStep   time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *OrchestratorMetrics) Copy() OrchestratorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return OrchestratorMetrics{
		Runs:           m.Runs,
		RunsSucceeded:  m.RunsSucceeded,
		RunsFailed:     m.RunsFailed,
		StepsCompleted: m.StepsCompleted,
		StepsFailed:    m.StepsFailed,
		StepsSkipped:   m.StepsSkipped,
		TotalDuration:  m.TotalDuration,
		LongestStep:    m.LongestStep,
		ShortestStep:   m.ShortestStep,
	}
}

func (m *OrchestratorMetrics) recordRun(res *layerbridge.WorkflowResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Runs++
	if res.Success {
		m.RunsSucceeded++
	} else {
		m.RunsFailed++
	}
	m.StepsCompleted += res.Metadata.StepsCompleted
	m.StepsFailed += res.Metadata.StepsFailed
	m.StepsSkipped += res.Metadata.StepsSkipped
	m.TotalDuration += res.Metadata.TotalDuration

	for _, s := range res.Steps {
		if s.Status != layerbridge.StepCompleted && s.Status != layerbridge.StepFailed {
			continue
		}
		if s.Duration > m.LongestStep {
			m.LongestStep = s.Duration
		}
		if m.ShortestStep == 0 || s.Duration < m.ShortestStep {
			m.ShortestStep = s.Duration
		}
	}
}
