package logic

import "time"

// DefaultRPMWindow is the trailing interval of stroke edges used for the estimate.
const DefaultRPMWindow = 1100 * time.Millisecond

// edgesPerRevolution: one rising edge per cylinder per revolution.
const edgesPerRevolution = NumCylinders

// RPMEstimator is a sliding-window rate estimator over stroke timestamps.
// The estimate is recomputed from scratch on every Tick.
type RPMEstimator struct {
	window time.Duration
	stamps []time.Time
}

// NewRPMEstimator creates an estimator with the given trailing window.
func NewRPMEstimator(window time.Duration) *RPMEstimator {
	return &RPMEstimator{window: window}
}

// Record appends a stroke timestamp. Timestamps are expected in order.
func (r *RPMEstimator) Record(t time.Time) {
	r.stamps = append(r.stamps, t)
}

// Tick prunes timestamps older than now-window and returns the estimated RPM.
func (r *RPMEstimator) Tick(now time.Time) float64 {
	cutoff := now.Add(-r.window)
	keep := 0
	for keep < len(r.stamps) && r.stamps[keep].Before(cutoff) {
		keep++
	}
	if keep > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[keep:]...)
	}
	revolutions := float64(len(r.stamps)) / edgesPerRevolution
	return revolutions * float64(time.Minute) / float64(r.window)
}

// Len returns the number of timestamps currently held.
func (r *RPMEstimator) Len() int {
	return len(r.stamps)
}
