package demod

import (
	"context"
	"time"

	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// getColdLock waits for the hardware search, then for slow carriers steps the tuner
// around the requested frequency in a widening zigzag.
func (d *Demod) getColdLock(ctx context.Context, timeout time.Duration) (bool, error) {
	fast := d.st.SymbolRate >= 10_000_000
	share := timeout / 2
	if fast {
		share = timeout / 3
	}
	lock, err := d.getDemodLock(ctx, share)
	if err != nil || lock {
		return lock, err
	}

	if fast {
		timing, err := d.chkTiming(ctx)
		if err != nil || !timing {
			return false, err
		}
		if err := d.writes(
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdReset},
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdColdStart},
		); err != nil {
			return false, err
		}
		return d.getDemodLock(ctx, timeout)
	}

	steps, step := coldSweep(d.st.SearchRange, d.st.SymbolRate)
	d.st.TunerBW = CarrierWidth(d.st.SymbolRate, d.st.Rolloff) + d.st.SymbolRate
	d.enter(PhaseZigzagRetry)

	freq := d.st.Frequency
	up := true
	for cur := 1; cur <= steps && !lock; cur++ {
		if up {
			freq += int64(cur) * step
		} else {
			freq -= int64(cur) * step
		}
		up = !up
		d.res.ColdSteps++
		d.log.Debugf("Cold zigzag step %d/%d at %.3f MHz", cur, steps, float64(freq)/1e6)

		if err := d.tune(ctx, freq, d.st.TunerBW); err != nil {
			return false, err
		}
		if err := d.sleep(ctx, tunerSettle); err != nil {
			return false, err
		}
		if _, err := d.tunerLocked(ctx); err != nil {
			return false, err
		}

		if err := d.write(stv090x.DMDISTATE, stv090x.DmdHold); err != nil {
			return false, err
		}
		if d.st.Mode == SearchDVBS2 {
			// cycle the standard enables to restart the PL header search
			if err := d.setFields(stv090x.DMDCFGMD,
				fieldVal{stv090x.DVBS1Enable, 0},
				fieldVal{stv090x.DVBS2Enable, 0},
			); err != nil {
				return false, err
			}
			if err := d.deliverySearch(); err != nil {
				return false, err
			}
		}
		if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, 0); err != nil {
			return false, err
		}
		if err := d.writes(
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdReset},
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdColdStart},
		); err != nil {
			return false, err
		}
		if lock, err = d.getDemodLock(ctx, timeout/3); err != nil {
			return false, err
		}
	}
	return lock, nil
}

// chkTiming reports whether the timing loop sees a carrier at all. The loop registers it
// borrows are put back before returning.
func (d *Demod) chkTiming(ctx context.Context) (bool, error) {
	saved := make([]regbus.Pair, 0, 3)
	for _, r := range []uint16{stv090x.RTC, stv090x.RTCS2, stv090x.CARFREQ} {
		v, err := d.read(r)
		if err != nil {
			return false, err
		}
		saved = append(saved, regbus.Pair{Addr: r, Val: v})
	}
	if err := d.writes(
		regbus.Pair{Addr: stv090x.RTC, Val: 0x20},
		regbus.Pair{Addr: stv090x.RTCS2, Val: 0x20},
		regbus.Pair{Addr: stv090x.CARFREQ, Val: 0x00},
	); err != nil {
		return false, err
	}
	if err := d.sleep(ctx, agcSettle); err != nil {
		return false, err
	}

	cnt := 0
	for range chkTimingSamples {
		q, err := d.field(stv090x.DSTATUS, stv090x.TmgQuality)
		if err != nil {
			return false, err
		}
		if q >= 2 {
			cnt++
		}
		if err := d.sleep(ctx, time.Millisecond); err != nil {
			return false, err
		}
	}

	if err := d.writes(saved...); err != nil {
		return false, err
	}
	d.log.Debugf("Timing quality %d/%d", cnt, chkTimingSamples)
	return cnt >= chkTimingMin, nil
}

// swAlgo runs the software carrier sweep, at most twice, after the hardware search gave
// up on a carrier the timing loop can see.
func (d *Demod) swAlgo(ctx context.Context) (bool, error) {
	d.enter(PhaseZigzagRetry)
	lp := ComputeLoopParams(d.st.SymbolRate, d.st.SearchRange, d.mclk, d.st.Mode)
	cut2 := d.rev() >= 0x20

	carfreq, correl := byte(0xef), byte(0x68)
	if cut2 {
		carfreq, correl = 0x3b, 0x79
	}
	var zigzag bool
	var err error
	switch d.st.Mode {
	case SearchDVBS1, SearchDSS:
		err = d.writes(
			regbus.Pair{Addr: stv090x.CARFREQ, Val: carfreq},
			regbus.Pair{Addr: stv090x.DMDCFGMD, Val: 0x49},
		)
	case SearchDVBS2:
		err = d.writes(
			regbus.Pair{Addr: stv090x.CORRELABS, Val: correl},
			regbus.Pair{Addr: stv090x.DMDCFGMD, Val: 0x89},
		)
		zigzag = true
	default:
		err = d.writes(
			regbus.Pair{Addr: stv090x.CARFREQ, Val: carfreq},
			regbus.Pair{Addr: stv090x.CORRELABS, Val: correl},
			regbus.Pair{Addr: stv090x.DMDCFGMD, Val: 0xc9},
		)
	}
	if err != nil {
		return false, err
	}

	var lock, noSignal bool
	for trials := 1; ; trials++ {
		d.res.CarLoopRuns++
		if lock, err = d.searchCarLoop(ctx, lp, zigzag); err != nil {
			return false, err
		}
		if noSignal, err = d.chkSignal(lp.CarMax); err != nil {
			return false, err
		}
		if !(lock || noSignal || trials == 2) {
			continue
		}

		corr := byte(0x88)
		if cut2 {
			corr = 0x9e
		}
		if err := d.writes(
			regbus.Pair{Addr: stv090x.CARFREQ, Val: 0x49},
			regbus.Pair{Addr: stv090x.CORRELABS, Val: corr},
		); err != nil {
			return false, err
		}
		if lock {
			if lock, err = d.checkFlywheel(ctx, lp.StepTimeout, trials); err != nil {
				return false, err
			}
		}
		if lock || noSignal || trials >= 2 {
			break
		}
	}
	return lock, nil
}

// checkFlywheel rejects a DVB-S2 lock whose PL header flywheel never filled up. It
// reports whether the lock stands.
func (d *Demod) checkFlywheel(ctx context.Context, wait time.Duration, trials int) (bool, error) {
	hdr, err := d.field(stv090x.DMDSTATE, stv090x.HeaderMode)
	if err != nil || hdr != stv090x.HeaderDVBS2 {
		return err == nil, err
	}
	fly, err := d.field(stv090x.DMDFLYW, stv090x.FlywheelCpt)
	if err != nil {
		return false, err
	}
	if fly < flywheelMin {
		if err := d.sleep(ctx, wait); err != nil {
			return false, err
		}
		if fly, err = d.field(stv090x.DMDFLYW, stv090x.FlywheelCpt); err != nil {
			return false, err
		}
	}
	if fly >= flywheelMin {
		return true, nil
	}
	d.log.Debugf("False DVB-S2 lock, flywheel at %d", fly)
	if trials < 2 {
		if err := d.writes(
			regbus.Pair{Addr: stv090x.CORRELABS, Val: 0x79},
			regbus.Pair{Addr: stv090x.DMDCFGMD, Val: 0x89},
		); err != nil {
			return false, err
		}
	}
	return false, nil
}

// searchCarLoop steps the derotator across +-CarMax, from one edge or zigzagging out
// from the centre.
func (d *Demod) searchCarLoop(ctx context.Context, lp LoopParams, zigzag bool) (bool, error) {
	offst := -lp.CarMax + lp.Increment
	if zigzag {
		offst = 0
	}

	var lock, noSignal bool
	var err error
	for steps := int64(0); ; {
		if err := d.write(stv090x.DMDISTATE, stv090x.DmdHold); err != nil {
			return false, err
		}
		if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, uint16(int16(offst))); err != nil {
			return false, err
		}
		if err := d.write(stv090x.DMDISTATE, stv090x.DmdWarmStart); err != nil {
			return false, err
		}
		if d.rev() < 0x20 {
			if err := d.setField(stv090x.PDELCTRL1, stv090x.AlgoSwReset, 1); err != nil {
				return false, err
			}
			if err := d.setField(stv090x.PDELCTRL1, stv090x.AlgoSwReset, 0); err != nil {
				return false, err
			}
		}

		if zigzag {
			if offst >= 0 {
				offst = -offst - 2*lp.Increment
			} else {
				offst = -offst
			}
		} else {
			offst += 2 * lp.Increment
		}
		steps++

		if lock, err = d.getDemodLock(ctx, lp.StepTimeout); err != nil {
			return false, err
		}
		if noSignal, err = d.chkSignal(lp.CarMax); err != nil {
			return false, err
		}
		if lock || noSignal ||
			offst-lp.Increment >= lp.CarMax || offst+lp.Increment <= -lp.CarMax ||
			steps >= lp.Steps {
			break
		}
	}
	return lock, nil
}

// chkSignal reports no signal when AGC2 is saturated or the derotator ran off past
// twice the sweep range.
func (d *Demod) chkSignal(carMax int64) (bool, error) {
	cfr, err := d.read16(stv090x.CFR2, stv090x.CFR1)
	if err != nil {
		return false, err
	}
	agc2, err := d.read16(stv090x.AGC2I1, stv090x.AGC2I0)
	if err != nil {
		return false, err
	}
	offst := int64(int16(cfr))
	return agc2 > noSignalAGC2 || offst > 2*carMax || offst < -2*carMax, nil
}
