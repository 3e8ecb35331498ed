package demod

import "time"

const (
	pollInterval   = 10 * time.Millisecond
	tsPollInterval = time.Millisecond
	tunerSettle    = 50 * time.Millisecond
	agcSettle      = 10 * time.Millisecond

	// MinSymbolRate and MaxSymbolRate bound a known symbol rate.
	MinSymbolRate = 1_000_000
	MaxSymbolRate = 45_000_000

	maxSearchRange = 50_000_000
	carMaxLimit    = 0x4000 // +-1/4 of the master clock
	maxLoopSteps   = 100
	maxStepTimeout = 100 // ms
	trackGuardHz   = 10_000_000
)

// SearchRange is the carrier uncertainty swept for a symbol rate.
func SearchRange(srate int64) int64 {
	if srate > 10_000_000 {
		return 10_000_000
	}
	return 5_000_000
}

// CarrierWidth is the occupied bandwidth of a carrier.
func CarrierWidth(srate int64, ro Rolloff) int64 {
	return srate + srate*ro.Percent()/100
}

// LoopParams drive the software carrier sweep. CarMax and Increment are carrier offsets
// normalised to the master clock (65536 = mclk).
type LoopParams struct {
	CarMax      int64
	Increment   int64
	StepTimeout time.Duration
	Steps       int64
}

// ComputeLoopParams derives the carrier sweep for a symbol rate. Steps*Increment always
// reaches CarMax.
func ComputeLoopParams(srate, searchRange, mclk int64, mode SearchMode) LoopParams {
	carMax := searchRange / 1000
	carMax += carMax / 10
	carMax = 65536 * (carMax / 2)
	carMax /= mclk / 1000
	carMax = min(carMax, carMaxLimit)
	carMax = max(carMax, 2)

	inc := srate * 65536 / mclk
	var timeout int64
	switch mode {
	case SearchDVBS1, SearchDSS:
		inc *= 3 // 3% of the symbol rate
		timeout = 20
	case SearchDVBS2:
		inc *= 4
		timeout = 25
	default:
		inc *= 3
		timeout = 25
	}
	inc /= 100
	if inc > carMax || inc <= 0 {
		inc = carMax / 2
	}

	timeout *= 27500 // 27.5 Msps reference
	if srate/1000 > 0 {
		timeout /= srate / 1000
	} else {
		timeout = maxStepTimeout
	}
	if timeout > maxStepTimeout || timeout < 0 {
		timeout = maxStepTimeout
	}

	steps := carMax/inc + 1
	if steps > maxLoopSteps {
		steps = maxLoopSteps
		inc = (carMax + steps - 1) / steps
	}

	return LoopParams{
		CarMax:      carMax,
		Increment:   inc,
		StepTimeout: time.Duration(timeout) * time.Millisecond,
		Steps:       steps,
	}
}

// LockTiming returns the demodulator and FEC lock budgets for a symbol rate.
func LockTiming(srate int64, algo Algorithm) (demod, fec time.Duration) {
	var d, f int64
	if algo == Blind {
		switch {
		case srate <= 1_500_000:
			d, f = 1500, 400
		case srate <= 5_000_000:
			d, f = 1000, 300
		default:
			d, f = 700, 100
		}
	} else {
		switch {
		case srate <= 1_000_000:
			d, f = 4500, 1700
		case srate <= 2_000_000:
			d, f = 2500, 1100
		case srate <= 5_000_000:
			d, f = 1000, 550
		case srate <= 10_000_000:
			d, f = 700, 250
		case srate <= 20_000_000:
			d, f = 400, 130
		default:
			d, f = 300, 100
		}
	}
	if algo == Warm {
		d /= 2
	}
	return time.Duration(d) * time.Millisecond, time.Duration(f) * time.Millisecond
}

// coldSweep returns the tuner zigzag used by a failed cold start.
func coldSweep(searchRange, srate int64) (steps int, stepHz int64) {
	var carStep int64 // kHz
	switch {
	case srate <= 4_000_000:
		carStep = 1000
	case srate <= 7_000_000:
		carStep = 2000
	case srate <= 10_000_000:
		carStep = 3000
	default:
		carStep = 5000
	}
	n := (searchRange / 1000) / carStep
	n /= 2
	n = 2 * (n + 1)
	n = max(2, min(n, 12))
	return int(n), carStep * 1000
}

// CoarseSearchSteps returns how many tuner offsets the blind coarse search tries, and the
// step between them.
func CoarseSearchSteps(searchRange, srate int64) (steps int, stepHz int64) {
	var carStep int64 // kHz
	switch {
	case srate <= 2_000_000:
		carStep = 1000
	case srate <= 5_000_000:
		carStep = 2000
	case srate <= 12_000_000:
		carStep = 3000
	default:
		carStep = 5000
	}
	n := -1 + (searchRange/1000)/carStep
	n /= 2
	n = 2*n + 1
	if n < 0 {
		n = 1
	} else if n > 10 {
		n = 11
		carStep = (searchRange / 1000) / 10
	}
	return int(n), carStep * 1000
}

// Tracking bandwidth: occupied bandwidth plus guard, divided down once the carrier is
// locked.
func trackBandwidth(srate int64, ro Rolloff, guard int64, divisor int64) int64 {
	bw := CarrierWidth(srate, ro) + guard
	if divisor > 1 {
		bw /= divisor
	}
	return bw
}

// Blind search constants. They come from the vendor algorithm and are not derived.
const (
	kRefMax          = 110
	kRefMin          = 10
	kRefStep         = 20
	coarseSamples    = 10
	coarseTmgMin     = 5
	coarseMinRate    = 850_000
	coarseMaxRate    = 50_000_000
	coarseFailMin    = 7
	agc2Overflow     = 0xff00
	agc2MinSteps     = 5
	chkTimingSamples = 10
	chkTimingMin     = 3
	iqPowerThreshold = 30
	noSignalAGC2     = 0x2000
	flywheelMin      = 0xd
	trackRetries     = 3
)

// coarseAGC2Threshold is the mean AGC2 level above which a coarse candidate is noise.
func coarseAGC2Threshold(rev byte) int64 {
	if rev >= 0x30 {
		return 0x2e00
	}
	return 0x1f00
}

// searchAGC2Threshold gates the whole blind search on the quietest AGC2 level seen.
func searchAGC2Threshold(rev byte) int64 {
	if rev <= 0x20 {
		return 0x5200
	}
	return 0x3f00
}

// Budget is an upper bound on how long Search can take for st, with every poll running
// out its full budget.
func Budget(st State, mclk int64) time.Duration {
	demodT, _ := LockTiming(st.SymbolRate, st.Algorithm)
	worstDemod, worstFEC := LockTiming(0, st.Algorithm)
	if st.Algorithm == Warm {
		// tracking re-locks with cold timings
		worstDemod, worstFEC = LockTiming(0, Cold)
	}
	chk := agcSettle + chkTimingSamples*time.Millisecond

	b := tunerSettle + agcSettle
	switch st.Algorithm {
	case Blind:
		// a locked blind search reports the measured rate, the sweep used the requested one
		steps, _ := CoarseSearchSteps(st.SearchRange, st.SymbolRate)
		unknown, _ := CoarseSearchSteps(st.SearchRange, 0)
		steps = max(steps, unknown)
		passes := time.Duration((kRefMax-kRefMin)/kRefStep + 1)
		b += agc2MinSteps * pollInterval
		perPass := time.Duration(steps)*(2*tunerSettle) + worstDemod
		b += passes * perPass
		b += 55 * time.Millisecond
	default:
		b += demodT + 2*chk + demodT
		if st.Algorithm == Cold {
			steps, _ := coldSweep(st.SearchRange, st.SymbolRate)
			b += time.Duration(steps) * (tunerSettle + demodT/3)
		}
		lp := ComputeLoopParams(st.SymbolRate, st.SearchRange, mclk, st.Mode)
		b += 2 * (time.Duration(lp.Steps)*lp.StepTimeout + 2*lp.StepTimeout)
	}
	b += 5 * time.Millisecond
	b += tunerSettle + (1+trackRetries)*(worstDemod/2)
	b += 3*time.Millisecond + worstDemod + 2*worstFEC
	return b
}
