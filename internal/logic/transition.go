package logic

// Reset is a set of state resets triggered by a configuration change.
type Reset uint8

const (
	// ResetFiring restores firing delay, firing duration and target RPM to defaults.
	ResetFiring Reset = 1 << iota
	// ResetPID clears the feedback controller's integral and derivative history.
	ResetPID
	// ResetStrokes reinitialises stroke counts and clears the four-stroke alternation flags.
	ResetStrokes
)

// Has reports whether all resets in f are set in r.
func (r Reset) Has(f Reset) bool {
	return r&f == f
}

type controlEdge struct{ from, to ControlMode }

type strokeEdge struct{ from, to StrokeMode }

// Entering either control mode from the other never carries over stale firing parameters.
var controlTransitions = map[controlEdge]Reset{
	{Raw, Feedback}: ResetFiring | ResetPID,
	{Feedback, Raw}: ResetFiring | ResetPID,
}

var strokeTransitions = map[strokeEdge]Reset{
	{TwoStroke, FourStroke}: ResetStrokes,
	{FourStroke, TwoStroke}: ResetStrokes,
}

// Transition returns the resets required to move from prev to next.
// A gain change while staying in feedback mode also resets the PID state.
func Transition(prev, next Configuration) Reset {
	r := controlTransitions[controlEdge{prev.ControlMode, next.ControlMode}]
	r |= strokeTransitions[strokeEdge{prev.StrokeMode, next.StrokeMode}]
	if next.ControlMode == Feedback && prev.ControlMode == Feedback && prev.Gains != next.Gains {
		r |= ResetPID
	}
	return r
}

// ApplyDefaults returns next with the fields covered by r restored from defaults.
func (r Reset) ApplyDefaults(next, defaults Configuration) Configuration {
	if r.Has(ResetFiring) {
		next.FiringDelay = defaults.FiringDelay
		next.FiringDuration = defaults.FiringDuration
		next.TargetRPM = defaults.TargetRPM
	}
	return next
}
