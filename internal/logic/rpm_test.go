package logic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRPMTwentyTwoEdgesIsSixHundred(t *testing.T) {
	r := NewRPMEstimator(DefaultRPMWindow)
	now := t0.Add(5 * time.Second)
	for i := 0; i < 22; i++ {
		r.Record(now.Add(-time.Duration(1000-i*40) * time.Millisecond))
	}
	assert.Equal(t, 600.0, r.Tick(now))
	assert.Equal(t, 22, r.Len())
}

func TestRPMEmptyWindow(t *testing.T) {
	r := NewRPMEstimator(DefaultRPMWindow)
	assert.Equal(t, 0.0, r.Tick(t0))
}

func TestRPMPrunesOldEdges(t *testing.T) {
	r := NewRPMEstimator(DefaultRPMWindow)
	r.Record(t0)
	r.Record(t0.Add(500 * time.Millisecond))
	r.Record(t0.Add(1000 * time.Millisecond))

	// At t0+1100ms the first stamp sits exactly on the cutoff and is kept
	r.Tick(t0.Add(1100 * time.Millisecond))
	assert.Equal(t, 3, r.Len())

	r.Tick(t0.Add(1101 * time.Millisecond))
	assert.Equal(t, 2, r.Len())

	rpm := r.Tick(t0.Add(2000 * time.Millisecond))
	assert.Equal(t, 1, r.Len())
	assert.InDelta(t, (1.0/2)/1.1*60, rpm, 1e-9)

	assert.Equal(t, 0.0, r.Tick(t0.Add(10*time.Second)))
	assert.Equal(t, 0, r.Len())
}

func TestRPMRecomputedFromScratch(t *testing.T) {
	r := NewRPMEstimator(DefaultRPMWindow)
	for i := 0; i < 4; i++ {
		r.Record(t0.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	first := r.Tick(t0.Add(500 * time.Millisecond))
	second := r.Tick(t0.Add(500 * time.Millisecond))
	assert.Equal(t, first, second)
}
