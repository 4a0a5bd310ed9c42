package dispatch

import (
	"sync"
	"time"
)

// DispatchMetrics tracks statistics about dispatched steps.
type DispatchMetrics struct {
	StepsDispatched  int
	StepsSuccessful  int
	StepsFailed      int
	UnknownTools     int
	Timeouts         int
	TotalRetries     int
	TotalDuration    time.Duration
	LongestStepTime  time.Duration
	ShortestStepTime time.Duration

	mu sync.Mutex
}

func (m *DispatchMetrics) update(outcome string, duration time.Duration, retries int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StepsDispatched++
	m.TotalRetries += retries
	m.TotalDuration += duration
	if duration > m.LongestStepTime {
		m.LongestStepTime = duration
	}
	if m.ShortestStepTime == 0 || (duration > 0 && duration < m.ShortestStepTime) {
		m.ShortestStepTime = duration
	}

	switch outcome {
	case OutcomeSuccess:
		m.StepsSuccessful++
	case OutcomeUnknownTool:
		m.UnknownTools++
		m.StepsFailed++
	case OutcomeTimeout:
		m.Timeouts++
		m.StepsFailed++
	default:
		m.StepsFailed++
	}
}

// Copy returns a snapshot without the mutex.
func (m *DispatchMetrics) Copy() DispatchMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return DispatchMetrics{
		StepsDispatched:  m.StepsDispatched,
		StepsSuccessful:  m.StepsSuccessful,
		StepsFailed:      m.StepsFailed,
		UnknownTools:     m.UnknownTools,
		Timeouts:         m.Timeouts,
		TotalRetries:     m.TotalRetries,
		TotalDuration:    m.TotalDuration,
		LongestStepTime:  m.LongestStepTime,
		ShortestStepTime: m.ShortestStepTime,
	}
}
