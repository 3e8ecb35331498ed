package demod

import (
	"context"

	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// blindSearch finds a carrier of unknown symbol rate. A coarse candidate that fails to
// lock is retried with a lower timing loop reference. A coarse pass with no candidate at
// all ends the search.
func (d *Demod) blindSearch(ctx context.Context) (bool, error) {
	agc2, err := d.agc2MinLevel(ctx)
	if err != nil {
		return false, err
	}
	if int64(agc2) > searchAGC2Threshold(d.rev()) {
		d.log.Debugf("AGC2 floor %#04x too high for a blind search", agc2)
		return false, nil
	}

	carcfg := byte(0x06)
	if d.rev() <= 0x20 {
		carcfg = 0xc4
	}
	if err := d.writes(
		regbus.Pair{Addr: stv090x.CARCFG, Val: carcfg},
		regbus.Pair{Addr: stv090x.RTCS2, Val: 0x44},
	); err != nil {
		return false, err
	}
	if d.rev() >= 0x20 {
		if err := d.writes(
			regbus.Pair{Addr: stv090x.EQUALCFG, Val: 0x41},
			regbus.Pair{Addr: stv090x.FFECFG, Val: 0x41},
			regbus.Pair{Addr: stv090x.VITSCALE, Val: 0x82},
			regbus.Pair{Addr: stv090x.VAVSRVIT, Val: 0x00},
		); err != nil {
			return false, err
		}
	}

	var lock bool
	for kref := kRefMax; kref >= kRefMin && !lock; kref -= kRefStep {
		if err := d.write(stv090x.KREFTMG, byte(kref)); err != nil {
			return false, err
		}
		d.enter(PhaseBlindRateSearch)
		coarse, err := d.srateSearchCoarse(ctx)
		if err != nil {
			return false, err
		}
		if coarse != 0 {
			d.res.FineRuns++
			fine, err := d.srateSearchFine()
			if err != nil {
				return false, err
			}
			if fine == 0 {
				continue
			}
			d.log.Debugf("Blind candidate at %d sym/s (k_ref %d)", fine, kref)
			d.st.DemodTimeout, d.st.FECTimeout = LockTiming(fine, Blind)
			d.enter(PhaseDemodLockWait)
			if lock, err = d.getDemodLock(ctx, d.st.DemodTimeout); err != nil {
				return false, err
			}
			continue
		}

		var cptFail, agc2Ovf int
		for range coarseSamples {
			a, err := d.read16(stv090x.AGC2I1, stv090x.AGC2I0)
			if err != nil {
				return false, err
			}
			if a >= agc2Overflow {
				agc2Ovf++
			}
			st2, err := d.read(stv090x.DSTATUS2)
			if err != nil {
				return false, err
			}
			if stv090x.CFROverflow.Get(st2) == 1 && stv090x.DemodDelock.Get(st2) == 1 {
				cptFail++
			}
		}
		if cptFail > coarseFailMin || agc2Ovf > coarseFailMin {
			d.log.Debugf("Coarse search overflowed (carrier %d, AGC2 %d of %d)", cptFail, agc2Ovf, coarseSamples)
		} else {
			d.log.Debugf("No coarse rate at k_ref %d", kref)
		}
		break
	}
	return lock, nil
}

// agc2MinLevel is the quietest AGC2 reading across a few carrier offsets.
func (d *Demod) agc2MinLevel(ctx context.Context) (uint16, error) {
	if err := d.write(stv090x.DMDISTATE, stv090x.DmdStop); err != nil {
		return 0, err
	}
	if err := d.setFields(stv090x.DMDCFGMD,
		fieldVal{stv090x.ScanEnable, 1},
		fieldVal{stv090x.CFRAutoscan, 0},
	); err != nil {
		return 0, err
	}
	if err := d.wideRateWindow(); err != nil {
		return 0, err
	}

	minLevel := uint16(0xffff)
	step := d.normRate(1_000_000)
	for i := range agc2MinSteps {
		cfr := int64(i-agc2MinSteps/2) * step
		if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, uint16(int16(cfr))); err != nil {
			return 0, err
		}
		if err := d.writes(
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdHold},
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdWarmStart},
		); err != nil {
			return 0, err
		}
		if err := d.sleep(ctx, pollInterval); err != nil {
			return 0, err
		}
		var sum int
		for range 5 {
			a, err := d.read16(stv090x.AGC2I1, stv090x.AGC2I0)
			if err != nil {
				return 0, err
			}
			sum += int(a)
		}
		minLevel = min(minLevel, uint16(sum/5))
	}
	return minLevel, nil
}

// wideRateWindow opens the symbol rate search to the whole range the chip handles and
// lowers the AGC2 reference for it.
func (d *Demod) wideRateWindow() error {
	return d.writes(
		regbus.Pair{Addr: stv090x.SFRUP1, Val: 0x83},
		regbus.Pair{Addr: stv090x.SFRUP0, Val: 0xc0},
		regbus.Pair{Addr: stv090x.SFRLOW1, Val: 0x82},
		regbus.Pair{Addr: stv090x.SFRLOW0, Val: 0xa0},
		regbus.Pair{Addr: stv090x.DMDTOM, Val: 0x00},
		regbus.Pair{Addr: stv090x.AGC2REF, Val: 0x50},
	)
}

// srateSearchCoarse lets the timing loop scan for a symbol rate at a series of tuner
// offsets. It returns 0 when nothing plausible turned up.
func (d *Demod) srateSearchCoarse(ctx context.Context) (int64, error) {
	if err := d.writes(
		regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdResetBlind},
		regbus.Pair{Addr: stv090x.TMGCFG, Val: 0x12},
		regbus.Pair{Addr: stv090x.TMGCFG2, Val: 0xc0},
		regbus.Pair{Addr: stv090x.TMGTHRISE, Val: 0xf0},
		regbus.Pair{Addr: stv090x.TMGTHFALL, Val: 0xe0},
	); err != nil {
		return 0, err
	}
	if err := d.setFields(stv090x.DMDCFGMD,
		fieldVal{stv090x.ScanEnable, 1},
		fieldVal{stv090x.CFRAutoscan, 1},
	); err != nil {
		return 0, err
	}
	if err := d.wideRateWindow(); err != nil {
		return 0, err
	}

	carfreq, sfrstep := byte(0xed), byte(0x73)
	switch {
	case d.rev() >= 0x30:
		carfreq, sfrstep = 0x99, 0x98
	case d.rev() >= 0x20:
		carfreq, sfrstep = 0x6a, 0x95
	}
	if err := d.writes(
		regbus.Pair{Addr: stv090x.CARFREQ, Val: carfreq},
		regbus.Pair{Addr: stv090x.SFRSTEP, Val: sfrstep},
	); err != nil {
		return 0, err
	}

	steps, carStep := CoarseSearchSteps(d.st.SearchRange, d.st.SymbolRate)
	agc2th := coarseAGC2Threshold(d.rev())
	freq := d.st.Frequency
	dir := int64(1)
	for cur := 0; cur < steps; {
		if err := d.writes(
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdResetBlind},
			regbus.Pair{Addr: stv090x.CFRINIT1, Val: 0},
			regbus.Pair{Addr: stv090x.CFRINIT0, Val: 0},
			regbus.Pair{Addr: stv090x.SFRINIT1, Val: 0},
			regbus.Pair{Addr: stv090x.SFRINIT0, Val: 0},
			regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdBlindStart},
		); err != nil {
			return 0, err
		}
		if err := d.sleep(ctx, tunerSettle); err != nil {
			return 0, err
		}
		d.res.CoarseSteps++

		var tmgCpt int
		var agc2 int64
		for range coarseSamples {
			q, err := d.field(stv090x.DSTATUS, stv090x.TmgQuality)
			if err != nil {
				return 0, err
			}
			if q >= 2 {
				tmgCpt++
			}
			a, err := d.read16(stv090x.AGC2I1, stv090x.AGC2I0)
			if err != nil {
				return 0, err
			}
			agc2 += int64(a)
		}
		agc2 /= coarseSamples
		srate, err := d.readSymbolRate()
		if err != nil {
			return 0, err
		}

		cur++
		dir = -dir
		if tmgCpt >= coarseTmgMin && agc2 < agc2th && srate > coarseMinRate && srate < coarseMaxRate {
			d.log.Debugf("Coarse rate %d sym/s after %d steps", srate, cur)
			return srate, nil
		}
		if cur < steps {
			freq += dir * int64(cur) * carStep
			if err := d.tune(ctx, freq, d.st.TunerBW); err != nil {
				return 0, err
			}
			if err := d.sleep(ctx, tunerSettle); err != nil {
				return 0, err
			}
		}
	}
	return 0, nil
}

// srateSearchFine narrows the timing loop to +-30% of the coarse rate and restarts the
// demodulator on the coarse carrier.
func (d *Demod) srateSearchFine() (int64, error) {
	coarse, err := d.readSymbolRate()
	if err != nil {
		return 0, err
	}
	freqCoarse, err := d.read16(stv090x.CFR2, stv090x.CFR1)
	if err != nil {
		return 0, err
	}
	if 13*(coarse/10) < d.st.SymbolRate {
		return 0, nil
	}

	if err := d.writes(
		regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdReset},
		regbus.Pair{Addr: stv090x.TMGCFG2, Val: 0xc1},
		regbus.Pair{Addr: stv090x.TMGTHRISE, Val: 0x20},
		regbus.Pair{Addr: stv090x.TMGTHFALL, Val: 0x00},
		regbus.Pair{Addr: stv090x.TMGCFG, Val: 0xd2},
	); err != nil {
		return 0, err
	}
	if err := d.setField(stv090x.DMDCFGMD, stv090x.CFRAutoscan, 0); err != nil {
		return 0, err
	}
	carfreq := byte(0xed)
	switch {
	case d.rev() >= 0x30:
		carfreq = 0x79
	case d.rev() >= 0x20:
		carfreq = 0x49
	}
	if err := d.write(stv090x.CARFREQ, carfreq); err != nil {
		return 0, err
	}

	up := min(d.normRate(13*(coarse/10)), 0x7fff)
	low := min(d.normRate(10*(coarse/13)), 0x7fff)
	if err := d.write16(stv090x.SFRUP1, stv090x.SFRUP0, uint16(up)); err != nil {
		return 0, err
	}
	if err := d.write16(stv090x.SFRLOW1, stv090x.SFRLOW0, uint16(low)); err != nil {
		return 0, err
	}
	if err := d.setSymbolRate(coarse); err != nil {
		return 0, err
	}
	if err := d.write(stv090x.DMDTOM, 0x20); err != nil {
		return 0, err
	}
	if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, freqCoarse); err != nil {
		return 0, err
	}
	if err := d.write(stv090x.DMDISTATE, stv090x.DmdColdStart); err != nil {
		return 0, err
	}
	return coarse, nil
}
