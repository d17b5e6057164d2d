package generate

// Phase says what the generation loop does next.
type Phase string

const (
	// PhaseGenerate asks the model for a (possibly corrective) change set.
	PhaseGenerate Phase = "generate"
	// PhaseCreatePR publishes the validated change.
	PhaseCreatePR Phase = "create-pr"
	// PhaseFailed means the attempt budget ran out without a clean validation.
	PhaseFailed Phase = "failed"
)

// State is the loop position between attempts. Errors carries the
// validation failures the next prompt must address.
type State struct {
	Phase         Phase
	Iteration     int
	MaxIterations int
	Errors        []string
}

// NewState starts at iteration zero in the generate phase.
func NewState(maxIterations int) State {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return State{Phase: PhaseGenerate, MaxIterations: maxIterations}
}

// Outcome distills one attempt: either the change validated cleanly,
// or these errors need fixing.
type Outcome struct {
	Passed bool
	Errors []string
}

// Next advances the loop. Kept free of IO so the retry policy tests
// without sandboxes or models.
func Next(s State, o Outcome) State {
	if o.Passed {
		s.Phase = PhaseCreatePR
		s.Errors = nil
		return s
	}
	s.Errors = o.Errors
	s.Iteration++
	if s.Iteration >= s.MaxIterations {
		s.Phase = PhaseFailed
	} else {
		s.Phase = PhaseGenerate
	}
	return s
}
