package rights2roof

import (
	"context"
	"fmt"
	"time"

	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
	"github.com/google/uuid"
)

type asyncExecution struct {
	tc         *TurnContext
	turn       Turn
	err        error
	done       bool
	finishedAt time.Time
}

// AsyncExecutionStatus represents the status information for an async turn.
type AsyncExecutionStatus struct {
	ExecutionID  string         `json:"execution_id"`
	TurnID       string         `json:"turn_id"`
	SessionID    string         `json:"session_id"`
	Query        string         `json:"query"`
	CurrentState ProcessState   `json:"current_state"`
	Trail        []ProcessState `json:"trail"`
	StartTime    time.Time      `json:"start_time"`
	Duration     time.Duration  `json:"duration"`
	IsComplete   bool           `json:"is_complete"`
	HasError     bool           `json:"has_error"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStage   string         `json:"error_stage,omitempty"`
}

// RunTurnAsync starts a turn in the background and returns its execution
// ID. The turn is acknowledged immediately and answered later.
func (p *Pipeline) RunTurnAsync(ctx context.Context, query, sessionID string) (string, error) {
	executionID := uuid.NewString()
	tc := NewTurnContext(p.newTurnState(query, sessionID))

	p.asyncExecutionsMutex.Lock()
	p.asyncExecutions[executionID] = &asyncExecution{tc: tc}
	p.asyncExecutionsMutex.Unlock()

	ctx = context.WithoutCancel(ctx)
	eb := p.EventBus()
	publish(ctx, eb, p.logger, eventbus.EventAsyncTurnStarted, query, "Pipeline.RunTurnAsync",
		map[string]any{"execution_id": executionID, "turn_id": tc.State().ID()})

	go func() {
		turn, err := p.execute(ctx, tc)

		p.asyncExecutionsMutex.Lock()
		if exec, ok := p.asyncExecutions[executionID]; ok {
			exec.turn = turn
			exec.err = err
			exec.done = true
			exec.finishedAt = time.Now()
		}
		p.asyncExecutionsMutex.Unlock()

		eventType := eventbus.EventAsyncTurnSuccess
		metadata := map[string]any{
			"execution_id": executionID,
			"duration_ms":  tc.GetTotalDuration().Milliseconds(),
		}
		if err != nil {
			eventType = eventbus.EventAsyncTurnFailure
			metadata["error"] = err.Error()
			metadata["error_stage"] = tc.ErrorStage()
		}
		publish(ctx, eb, p.logger, eventType, query, "Pipeline.RunTurnAsync", metadata)
	}()

	return executionID, nil
}

// GetAsyncStatus retrieves the current status of an async turn.
func (p *Pipeline) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	p.asyncExecutionsMutex.RLock()
	exec, exists := p.asyncExecutions[executionID]
	var done bool
	if exists {
		done = exec.done
	}
	p.asyncExecutionsMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	tc := exec.tc
	st := tc.State()
	status := &AsyncExecutionStatus{
		ExecutionID:  executionID,
		TurnID:       st.ID(),
		SessionID:    st.SessionID(),
		Query:        st.Query(),
		CurrentState: tc.CurrentState(),
		Trail:        tc.Trail(),
		StartTime:    tc.StartTime(),
		Duration:     tc.GetTotalDuration(),
		IsComplete:   done,
		HasError:     tc.CurrentState() == StateError,
	}
	if err := tc.LastError(); err != nil {
		status.ErrorMessage = err.Error()
		status.ErrorStage = tc.ErrorStage()
	}

	return status, nil
}

// GetAsyncResult returns the Turn of a finished async execution. A turn that
// failed yields its Apology turn together with the failure.
func (p *Pipeline) GetAsyncResult(executionID string) (Turn, error) {
	p.asyncExecutionsMutex.RLock()
	defer p.asyncExecutionsMutex.RUnlock()

	exec, exists := p.asyncExecutions[executionID]
	if !exists {
		return Turn{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if !exec.done {
		return Turn{}, ErrExecutionInProgress
	}
	return exec.turn, exec.err
}

var (
	// ErrExecutionNotFound is returned for unknown or cleaned-up executions.
	ErrExecutionNotFound = NewValidationError("async", "execution not found", nil)

	// ErrExecutionInProgress is returned by GetAsyncResult before the turn ends.
	ErrExecutionInProgress = NewValidationError("async", "execution is still in progress", nil)
)

// ListAsyncExecutions returns every async execution ID with its current state.
func (p *Pipeline) ListAsyncExecutions() map[string]string {
	p.asyncExecutionsMutex.RLock()
	defer p.asyncExecutionsMutex.RUnlock()

	result := make(map[string]string, len(p.asyncExecutions))
	for id, exec := range p.asyncExecutions {
		result[id] = string(exec.tc.CurrentState())
	}

	return result
}

// CleanupCompletedExecutions drops finished executions older than olderThan
// and returns how many were removed.
func (p *Pipeline) CleanupCompletedExecutions(olderThan time.Duration) int {
	p.asyncExecutionsMutex.Lock()
	defer p.asyncExecutionsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, exec := range p.asyncExecutions {
		if exec.done && now.Sub(exec.finishedAt) > olderThan {
			delete(p.asyncExecutions, id)
			count++
		}
	}

	return count
}
