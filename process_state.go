package rights2roof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
)

// ProcessState is a coordinator state.
type ProcessState string

const (
	StateLoadHistory ProcessState = "LOAD_HISTORY"
	StatePlan        ProcessState = "PLAN"
	StateRetrieve    ProcessState = "RETRIEVE"
	StateExecute     ProcessState = "EXECUTE"
	StatePersist     ProcessState = "PERSIST"
	StateDone        ProcessState = "DONE"
	StateError       ProcessState = "ERROR"
)

// Terminal reports whether no transition leaves s.
func (s ProcessState) Terminal() bool {
	return s == StateDone || s == StateError
}

// TurnContext is the tape of one coordinator run: the current TurnState
// plus the trail of states already visited. It is safe to read while the
// machine runs, which the async status API relies on.
type TurnContext struct {
	mu sync.RWMutex

	state        TurnState
	currentState ProcessState
	stateStack   []ProcessState
	lastError    error
	errorStage   string

	startTime       time.Time
	endTime         time.Time
	stateStartTimes map[ProcessState]time.Time
	stateDurations  map[ProcessState]time.Duration
}

// NewTurnContext starts a context in LOAD_HISTORY.
func NewTurnContext(st TurnState) *TurnContext {
	now := time.Now()
	return &TurnContext{
		state:           st,
		currentState:    StateLoadHistory,
		startTime:       now,
		stateStartTimes: map[ProcessState]time.Time{StateLoadHistory: now},
		stateDurations:  make(map[ProcessState]time.Duration),
	}
}

// PushState records the current state on the trail and enters next.
func (tc *TurnContext) PushState(next ProcessState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.enterLocked(next)
}

func (tc *TurnContext) enterLocked(next ProcessState) {
	now := time.Now()
	if start, ok := tc.stateStartTimes[tc.currentState]; ok {
		tc.stateDurations[tc.currentState] += now.Sub(start)
	}
	tc.stateStack = append(tc.stateStack, tc.currentState)
	tc.currentState = next
	tc.stateStartTimes[next] = now
	if next.Terminal() {
		tc.endTime = now
	}
}

// SetError records err and moves to ERROR.
func (tc *TurnContext) SetError(err error, stage string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.lastError = err
	tc.errorStage = stage
	tc.enterLocked(StateError)
}

func (tc *TurnContext) setState(st TurnState) {
	tc.mu.Lock()
	tc.state = st
	tc.mu.Unlock()
}

// State returns the latest TurnState.
func (tc *TurnContext) State() TurnState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.state
}

// CurrentState returns the state the machine is in.
func (tc *TurnContext) CurrentState() ProcessState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentState
}

// Trail returns every state visited so far, including the current one.
func (tc *TurnContext) Trail() []ProcessState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]ProcessState, 0, len(tc.stateStack)+1)
	out = append(out, tc.stateStack...)
	return append(out, tc.currentState)
}

// IsTerminal checks if the current state is DONE or ERROR.
func (tc *TurnContext) IsTerminal() bool {
	return tc.CurrentState().Terminal()
}

// LastError returns the error that moved the machine to ERROR, if any.
func (tc *TurnContext) LastError() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.lastError
}

// ErrorStage names the state that failed.
func (tc *TurnContext) ErrorStage() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.errorStage
}

// StartTime returns when the turn began.
func (tc *TurnContext) StartTime() time.Time {
	return tc.startTime
}

// EndTime returns when the turn reached a terminal state, or the zero time.
func (tc *TurnContext) EndTime() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.endTime
}

// GetStateDuration returns the time spent in state so far.
func (tc *TurnContext) GetStateDuration(state ProcessState) time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	d := tc.stateDurations[state]
	if state == tc.currentState && !state.Terminal() {
		d += time.Since(tc.stateStartTimes[state])
	}
	return d
}

// GetTotalDuration returns the duration of the turn so far.
func (tc *TurnContext) GetTotalDuration() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if !tc.endTime.IsZero() {
		return tc.endTime.Sub(tc.startTime)
	}
	return time.Since(tc.startTime)
}

// StateTransition runs one state and returns the next state with the
// updated TurnState. A non-nil error moves the machine to ERROR.
type StateTransition func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error)

// StateObserver is told about every state change.
type StateObserver func(from, to ProcessState)

// StateMachine drives a TurnContext to a terminal state.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
	observer    StateObserver
}

// NewStateMachine creates a state machine publishing to eventBus, which may
// be nil.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers the transition run in state.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// OnStateChange installs an observer for state changes.
func (sm *StateMachine) OnStateChange(fn StateObserver) {
	sm.observer = fn
}

// Execute runs transitions until DONE or ERROR and returns the final
// TurnState. The error is the one recorded on entering ERROR.
func (sm *StateMachine) Execute(ctx context.Context, tc *TurnContext) (TurnState, error) {
	for !tc.IsTerminal() {
		current := tc.CurrentState()

		transition, exists := sm.transitions[current]
		if !exists {
			err := NewCoordinatorError(string(current), fmt.Sprintf("no transition defined for state %s", current), nil)
			tc.SetError(err, string(current))
			sm.notify(current, StateError)
			break
		}

		next, st, err := transition(ctx, sm.eventBus, tc.State())
		if err != nil {
			tc.SetError(err, string(current))
			sm.notify(current, StateError)
			break
		}

		tc.setState(st)
		tc.PushState(next)
		sm.notify(current, next)
	}

	return tc.State(), tc.LastError()
}

func (sm *StateMachine) notify(from, to ProcessState) {
	if sm.observer != nil {
		sm.observer(from, to)
	}
}
