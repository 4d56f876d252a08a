package domain

// Table state machine. Transitions outside this map are rejected with
// KindInvariant; clean→clean and occupied→occupied are idempotent no-ops
// for repeated ML pushes and are accepted (confidence refresh only) when
// the incoming confidence beats the stored one.

var validTransitions = map[TableState]map[TableState]bool{
	TableClean: {
		TableOccupied:    true,
		TableReserved:    true,
		TableUnavailable: true,
	},
	TableOccupied: {
		TableDirty: true,
	},
	TableDirty: {
		TableClean: true,
	},
	TableReserved: {
		TableOccupied: true,
		TableClean:    true,
	},
	TableUnavailable: {
		TableClean: true,
	},
}

// TransitionResult describes the outcome of a state machine evaluation.
type TransitionResult struct {
	// Accepted means the table's state changes and a log row is appended.
	Accepted bool
	// NoOp means same-state refresh: confidence is updated, no log row.
	NoOp bool
	// RefreshConfidence is set on accepted no-ops whose confidence beats
	// the stored value.
	RefreshConfidence bool
}

// EvaluateTransition applies the transition rules. currentConfidence is the table's
// stored state confidence; confidence is the incoming assertion's.
func EvaluateTransition(current, next TableState, source StateSource, confidence, currentConfidence float64) (TransitionResult, error) {
	const component = "tablestate"

	if !next.Valid() {
		return TransitionResult{}, Ef(KindInput, component, "unknown state %q", next)
	}
	if !source.Valid() {
		return TransitionResult{}, Ef(KindInput, component, "unknown source %q", source)
	}
	if confidence < 0 || confidence > 1 {
		return TransitionResult{}, Ef(KindInput, component, "confidence %.3f outside [0,1]", confidence)
	}

	if current == next {
		// Idempotent ML re-push. Only clean and occupied repeat in
		// practice, but the same-state rule applies uniformly.
		if confidence > currentConfidence {
			return TransitionResult{NoOp: true, RefreshConfidence: true}, nil
		}
		return TransitionResult{NoOp: true}, nil
	}

	allowed := validTransitions[current][next]
	if !allowed {
		return TransitionResult{}, Ef(KindInvariant, component,
			"invalid transition %s -> %s (source %s)", current, next, source)
	}

	// reserved and unavailable are host/system decisions, not ML calls.
	if source == SourceML && (next == TableReserved || next == TableUnavailable) {
		return TransitionResult{}, Ef(KindInvariant, component,
			"source ml may not set state %s", next)
	}

	return TransitionResult{Accepted: true}, nil
}
