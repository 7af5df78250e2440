package agent

// Phase is the agent's position in its polling cycle.
type Phase int32

// Phases in cycle order. PhaseStopped is terminal.
const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseDiffing
	PhasePublishing
	PhaseSleeping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseDiffing:
		return "diffing"
	case PhasePublishing:
		return "publishing"
	case PhaseSleeping:
		return "sleeping"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
