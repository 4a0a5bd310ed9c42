package rights2roof

import "time"

// TurnState is the value threaded between coordinator stages. It is never
// mutated: every With* method returns a new TurnState.
type TurnState struct {
	id        string
	sessionID string
	query     string
	startedAt time.Time

	history   []Turn
	plan      Plan
	retrieved RetrievedContext
	answer    Answer
	cacheHit  bool
}

// NewTurnState starts the state for one turn.
func NewTurnState(id, sessionID, query string, startedAt time.Time) TurnState {
	return TurnState{id: id, sessionID: sessionID, query: query, startedAt: startedAt}
}

func (s TurnState) ID() string                  { return s.id }
func (s TurnState) SessionID() string           { return s.sessionID }
func (s TurnState) Query() string               { return s.query }
func (s TurnState) StartedAt() time.Time        { return s.startedAt }
func (s TurnState) Plan() Plan                  { return s.plan }
func (s TurnState) Retrieved() RetrievedContext { return s.retrieved }
func (s TurnState) Answer() Answer              { return s.answer }
func (s TurnState) CacheHit() bool              { return s.cacheHit }
func (s TurnState) History() []Turn             { return append([]Turn(nil), s.history...) }

// WithCacheHit returns a copy answered from the turn cache.
func (s TurnState) WithCacheHit(answer string) TurnState {
	s.cacheHit = true
	s.answer = Answer{Text: answer}
	return s
}

// WithHistory returns a copy carrying the loaded prior turns.
func (s TurnState) WithHistory(turns []Turn) TurnState {
	s.history = append([]Turn(nil), turns...)
	return s
}

// WithPlan returns a copy carrying the resolved plan.
func (s TurnState) WithPlan(p Plan) TurnState {
	s.plan = Plan{Steps: append([]Observation(nil), p.Steps...)}
	return s
}

// WithRetrieved returns a copy carrying the retrieved context.
func (s TurnState) WithRetrieved(rc RetrievedContext) TurnState {
	rc.Passages = append([]Passage(nil), rc.Passages...)
	s.retrieved = rc
	return s
}

// WithAnswer returns a copy carrying the synthesized answer.
func (s TurnState) WithAnswer(a Answer) TurnState {
	a.Observations = append([]Observation(nil), a.Observations...)
	s.answer = a
	return s
}

// Turn renders the state as the history record to persist.
func (s TurnState) Turn() Turn {
	obs := s.answer.Observations
	if obs == nil {
		obs = s.plan.Steps
	}
	return Turn{
		ID:               s.id,
		SessionID:        s.sessionID,
		Query:            s.query,
		Plan:             s.plan,
		RetrievedContext: s.retrieved.String(),
		FinalAnswer:      s.answer.Text,
		Observations:     append([]Observation(nil), obs...),
		CreatedAt:        s.startedAt,
	}
}
