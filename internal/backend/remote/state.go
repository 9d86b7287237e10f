package remote

// SessionState is the derived lifecycle position of a remote session.
type SessionState string

const (
	StateInitializing     SessionState = "initializing"
	StatePlanning         SessionState = "planning"
	StateExecuting        SessionState = "executing"
	StateAwaitingApproval SessionState = "awaiting_approval"
	StateAwaitingReply    SessionState = "awaiting_reply"
	StateCompleted        SessionState = "completed"
	StateFailed           SessionState = "failed"
)

// explicitStates maps provider-reported states onto derived states. An
// unrecognized provider state falls through to the activity heuristics.
var explicitStates = map[string]SessionState{
	"initializing":      StateInitializing,
	"planning":          StatePlanning,
	"executing":         StateExecuting,
	"running":           StateExecuting,
	"awaiting_approval": StateAwaitingApproval,
	"awaiting_reply":    StateAwaitingReply,
	"completed":         StateCompleted,
	"failed":            StateFailed,
}

// DeriveState resolves the session's state. An explicit provider state
// wins over activity-history inference when both are available; artifact
// presence always means completed.
func DeriveState(sess *Session, activities []Activity) SessionState {
	if len(sess.Artifacts) > 0 {
		return StateCompleted
	}
	if state, ok := explicitStates[sess.State]; ok {
		return state
	}
	return inferFromActivities(activities)
}

func inferFromActivities(activities []Activity) SessionState {
	if len(activities) == 0 {
		return StateInitializing
	}
	if activities[len(activities)-1].Kind == ActivityUserMessage {
		return StateAwaitingReply
	}
	if planAwaitingApproval(activities) {
		return StateAwaitingApproval
	}
	for _, a := range activities {
		if a.Kind == ActivityProgress {
			return StateExecuting
		}
	}
	return StatePlanning
}

// planAwaitingApproval reports a generated plan with no approval and no
// later activity of any kind.
func planAwaitingApproval(activities []Activity) bool {
	lastPlan := -1
	for i, a := range activities {
		switch a.Kind {
		case ActivityPlanGenerated:
			lastPlan = i
		case ActivityPlanApproved:
			if lastPlan >= 0 && i > lastPlan {
				lastPlan = -1
			}
		}
	}
	return lastPlan == len(activities)-1 && lastPlan >= 0
}
