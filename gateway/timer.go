package gateway

import (
	"sync"
	"time"
)

// StepLog records how long a named execution step took, in seconds.
type StepLog struct {
	Step      string  `json:"step"`
	TimeTaken float64 `json:"time_taken"`
}

// Timer tracks named time segments across a turn, including recursive
// tool-call rounds. A single Timer travels with the request; recursive
// agent calls inherit it so over_all_time covers the whole chain.
type Timer struct {
	mu     sync.Mutex
	starts []time.Time
}

// NewTimer creates a timer with one running segment.
func NewTimer() *Timer {
	t := &Timer{}
	t.Start()
	return t
}

// Start pushes a new running segment.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts = append(t.starts, time.Now())
}

// Stop pops the most recent segment and returns its elapsed seconds.
// Returns 0 when no segment is running.
func (t *Timer) Stop() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.starts) == 0 {
		return 0
	}
	start := t.starts[len(t.starts)-1]
	t.starts = t.starts[:len(t.starts)-1]
	return time.Since(start).Seconds()
}

// Running reports whether any segment is open.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.starts) > 0
}

// Latency is the per-turn latency breakdown persisted with each row.
type Latency struct {
	OverAllTime        float64   `json:"over_all_time"`
	ModelExecutionTime float64   `json:"model_execution_time"`
	ExecutionTimeLogs  []StepLog `json:"execution_time_logs"`
	FunctionTimeLogs   []StepLog `json:"function_time_logs"`
}

// BuildLatency folds the recorded step logs into a Latency object. The
// overall segment is stopped here; calling it twice yields 0 overall.
func BuildLatency(timer *Timer, executionLogs, functionLogs []StepLog) Latency {
	var overall float64
	if timer != nil && timer.Running() {
		overall = timer.Stop()
	}
	var modelTime float64
	for _, l := range executionLogs {
		modelTime += l.TimeTaken
	}
	if executionLogs == nil {
		executionLogs = []StepLog{}
	}
	if functionLogs == nil {
		functionLogs = []StepLog{}
	}
	return Latency{
		OverAllTime:        overall,
		ModelExecutionTime: modelTime,
		ExecutionTimeLogs:  executionLogs,
		FunctionTimeLogs:   functionLogs,
	}
}
