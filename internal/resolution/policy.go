package resolution

import "entitylink/internal/types"

// Action is what the policy tells the engine to do next.
type Action int

const (
	// ActionReuse auto-uses the top candidate, no human involvement.
	ActionReuse Action = iota
	// ActionAsk surfaces a shortlist for human disambiguation.
	ActionAsk
	// ActionCreate synthesizes a new record.
	ActionCreate
	// ActionUnresolved gives up: no candidate and creation disallowed.
	ActionUnresolved
)

// DecisionPolicy maps the top-ranked candidate's score onto an action. The
// score axis partitions into exactly three ranges with no gaps or overlaps:
// [0, consider) creates, [consider, reuse) asks, [reuse, 1] reuses. Medium
// confidence never auto-merges and never silently drops candidates.
type DecisionPolicy struct {
	ReuseThreshold    float64
	ConsiderThreshold float64
	MaxChoices        int
}

// NewDecisionPolicy builds a policy, falling back to the stock thresholds
// (0.9 / 0.7, three choices) for unset values.
func NewDecisionPolicy(reuseThreshold, considerThreshold float64, maxChoices int) *DecisionPolicy {
	if reuseThreshold <= 0 {
		reuseThreshold = 0.9
	}
	if considerThreshold <= 0 {
		considerThreshold = 0.7
	}
	if maxChoices <= 0 {
		maxChoices = 3
	}
	return &DecisionPolicy{
		ReuseThreshold:    reuseThreshold,
		ConsiderThreshold: considerThreshold,
		MaxChoices:        maxChoices,
	}
}

// Decide returns the action for a ranked candidate list and, for ActionAsk,
// the shortlist to surface.
func (p *DecisionPolicy) Decide(candidates []types.Candidate, createAllowed bool) (Action, []types.Candidate) {
	if len(candidates) == 0 {
		if createAllowed {
			return ActionCreate, nil
		}
		return ActionUnresolved, nil
	}

	top := candidates[0]
	switch {
	case top.Score >= p.ReuseThreshold:
		return ActionReuse, candidates[:1]
	case top.Score >= p.ConsiderThreshold:
		// Ambiguity always surfaces to the caller, regardless of the
		// auto-create setting.
		shortlist := candidates
		if len(shortlist) > p.MaxChoices {
			shortlist = shortlist[:p.MaxChoices]
		}
		return ActionAsk, shortlist
	default:
		if createAllowed {
			return ActionCreate, nil
		}
		return ActionUnresolved, nil
	}
}
