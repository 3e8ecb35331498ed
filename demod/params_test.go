package demod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSearchRange(t *testing.T) {
	assert.Equal(t, int64(5_000_000), SearchRange(0))
	assert.Equal(t, int64(5_000_000), SearchRange(10_000_000))
	assert.Equal(t, int64(10_000_000), SearchRange(10_000_001))
}

func TestLockTiming(t *testing.T) {
	tests := []struct {
		srate      int64
		algo       Algorithm
		demod, fec time.Duration
	}{
		{0, Blind, 1500 * time.Millisecond, 400 * time.Millisecond},
		{5_000_000, Blind, 1000 * time.Millisecond, 300 * time.Millisecond},
		{27_500_000, Blind, 700 * time.Millisecond, 100 * time.Millisecond},
		{1_000_000, Cold, 4500 * time.Millisecond, 1700 * time.Millisecond},
		{2_000_000, Cold, 2500 * time.Millisecond, 1100 * time.Millisecond},
		{5_000_000, Cold, 1000 * time.Millisecond, 550 * time.Millisecond},
		{10_000_000, Cold, 700 * time.Millisecond, 250 * time.Millisecond},
		{20_000_000, Cold, 400 * time.Millisecond, 130 * time.Millisecond},
		{27_500_000, Cold, 300 * time.Millisecond, 100 * time.Millisecond},
		{27_500_000, Warm, 150 * time.Millisecond, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		demod, fec := LockTiming(tt.srate, tt.algo)
		assert.Equal(t, tt.demod, demod, "demod timeout for %d %s", tt.srate, tt.algo)
		assert.Equal(t, tt.fec, fec, "fec timeout for %d %s", tt.srate, tt.algo)
	}
}

func TestLockTimingShrinksWithRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(0, 2*MaxSymbolRate).Draw(t, "a")
		b := rapid.Int64Range(a, 2*MaxSymbolRate).Draw(t, "b")
		algo := Algorithm(rapid.IntRange(int(Cold), int(Blind)).Draw(t, "algo"))

		slowDemod, slowFEC := LockTiming(a, algo)
		fastDemod, fastFEC := LockTiming(b, algo)
		assert.Positive(t, fastDemod)
		assert.Positive(t, fastFEC)
		assert.GreaterOrEqual(t, slowDemod, fastDemod)
		assert.GreaterOrEqual(t, slowFEC, fastFEC)
	})
}

func TestCoarseSearchSteps(t *testing.T) {
	steps, step := CoarseSearchSteps(5_000_000, 0)
	assert.Equal(t, 5, steps)
	assert.Equal(t, int64(1_000_000), step)

	steps, step = CoarseSearchSteps(10_000_000, 30_000_000)
	assert.Equal(t, 1, steps)
	assert.Equal(t, int64(5_000_000), step)

	// wide ranges are capped at 11 offsets spread evenly
	steps, step = CoarseSearchSteps(50_000_000, 1_000_000)
	assert.Equal(t, 11, steps)
	assert.Equal(t, int64(5_000_000), step)

	steps, _ = CoarseSearchSteps(500_000, 1_000_000)
	assert.Equal(t, 1, steps)
}

func TestColdSweep(t *testing.T) {
	steps, step := coldSweep(5_000_000, 5_000_000)
	assert.Equal(t, 4, steps)
	assert.Equal(t, int64(2_000_000), step)

	steps, step = coldSweep(5_000_000, 1_000_000)
	assert.Equal(t, 6, steps)
	assert.Equal(t, int64(1_000_000), step)

	steps, _ = coldSweep(maxSearchRange, 1_000_000)
	assert.Equal(t, 12, steps)
}

func TestCarrierWidth(t *testing.T) {
	assert.Equal(t, int64(37_125_000), CarrierWidth(27_500_000, Rolloff35))
	assert.Equal(t, int64(6_000_000), CarrierWidth(5_000_000, Rolloff20))
}

func TestLoopParams27M5(t *testing.T) {
	lp := ComputeLoopParams(27_500_000, 10_000_000, DefaultMasterClock, SearchDVBS1)
	assert.Equal(t, int64(2669), lp.CarMax)
	assert.Equal(t, int64(400), lp.Increment)
	assert.Equal(t, 20*time.Millisecond, lp.StepTimeout)
	assert.Equal(t, int64(7), lp.Steps)
}

func TestLoopParamsCoverRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		srate := rapid.Int64Range(MinSymbolRate, MaxSymbolRate).Draw(t, "srate")
		mclk := rapid.Int64Range(30_000_000, 200_000_000).Draw(t, "mclk")
		searchRange := rapid.Int64Range(1_000_000, maxSearchRange).Draw(t, "range")
		mode := SearchMode(rapid.IntRange(int(SearchAuto), int(SearchDSS)).Draw(t, "mode"))

		lp := ComputeLoopParams(srate, searchRange, mclk, mode)

		assert.LessOrEqual(t, lp.CarMax, int64(carMaxLimit))
		assert.Positive(t, lp.Increment)
		assert.LessOrEqual(t, lp.Steps, int64(maxLoopSteps))
		assert.GreaterOrEqual(t, lp.Steps*lp.Increment, lp.CarMax, "sweep must reach the edge of the range")
		assert.Positive(t, lp.StepTimeout)
		assert.LessOrEqual(t, lp.StepTimeout, maxStepTimeout*time.Millisecond)
	})
}

func TestLoopTimeoutShrinksWithRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(MinSymbolRate, MaxSymbolRate).Draw(t, "a")
		b := rapid.Int64Range(a, MaxSymbolRate).Draw(t, "b")
		mode := SearchMode(rapid.IntRange(int(SearchAuto), int(SearchDSS)).Draw(t, "mode"))

		slow := ComputeLoopParams(a, SearchRange(a), DefaultMasterClock, mode)
		fast := ComputeLoopParams(b, SearchRange(b), DefaultMasterClock, mode)
		assert.GreaterOrEqual(t, slow.StepTimeout, fast.StepTimeout)
	})
}

func TestTrackBandwidth(t *testing.T) {
	assert.Equal(t, int64(23_562_500), trackBandwidth(27_500_000, Rolloff35, trackGuardHz, 2))
	assert.Equal(t, int64(47_125_000), trackBandwidth(27_500_000, Rolloff35, trackGuardHz, 1))
}
