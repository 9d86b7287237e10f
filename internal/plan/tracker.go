package plan

import "github.com/runoshun/foreman/internal/domain"

// Tracker applies progress markers to a plan's sub-task list and reports
// phase completions exactly once per phase.
type Tracker struct {
	spec  *domain.PlanSpec
	fired map[string]struct{}
}

// NewTracker wraps a plan spec. The tracker mutates spec.Tasks in place.
func NewTracker(spec *domain.PlanSpec) *Tracker {
	return &Tracker{spec: spec, fired: make(map[string]struct{})}
}

// Apply folds one marker into the sub-task state. It returns the affected
// sub-task (nil for unknown refs) and the list of phases that became
// complete as a result. Each phase is reported at most once over the
// tracker's lifetime.
func (t *Tracker) Apply(m Marker) (*domain.PlanTask, []string) {
	switch m.Kind {
	case MarkerTaskStart:
		sub := t.spec.FindTask(m.Ref)
		if sub != nil && sub.Status == domain.PlanTaskPending {
			sub.Status = domain.PlanTaskInProgress
		}
		return sub, nil

	case MarkerTaskComplete:
		sub := t.spec.FindTask(m.Ref)
		if sub == nil {
			return nil, nil
		}
		sub.Status = domain.PlanTaskCompleted
		return sub, t.completedPhases()

	case MarkerPhaseComplete:
		// The agent asserted a phase boundary; trust it only if the
		// sub-task state agrees.
		if t.spec.PhaseDone(m.Ref) {
			return nil, t.firePhase(m.Ref)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// completedPhases returns phases whose sub-tasks are all complete and that
// have not been reported yet.
func (t *Tracker) completedPhases() []string {
	var done []string
	for _, sub := range t.spec.Tasks {
		if sub.Phase == "" {
			continue
		}
		if !t.spec.PhaseDone(sub.Phase) {
			continue
		}
		done = append(done, t.firePhase(sub.Phase)...)
	}
	return done
}

func (t *Tracker) firePhase(phase string) []string {
	if _, ok := t.fired[phase]; ok {
		return nil
	}
	t.fired[phase] = struct{}{}
	return []string{phase}
}
