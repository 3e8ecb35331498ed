package demod

import (
	"context"
	"fmt"
	"time"

	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// Search runs one acquisition. A nil error with Result.Locked false is an ordinary
// outcome and Result.Signal says where it stopped. Errors are ErrConfig for a rejected
// request, ErrIO for a failed bus transaction, or the context error on cancellation.
func (d *Demod) Search(ctx context.Context, p Params) (*Result, error) {
	if err := d.validate(p); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st := State{
		Frequency:  p.Frequency,
		SymbolRate: p.SymbolRate,
		Mode:       p.Mode,
		Algorithm:  p.Algorithm,
		Rolloff:    Rolloff35,
	}
	if st.SymbolRate == 0 {
		st.Algorithm = Blind
	}
	st.SearchRange = SearchRange(st.SymbolRate)
	d.st = st
	d.res = &Result{}
	defer func() { d.res = nil }()

	d.log.Infof("Searching %.3f MHz at %.3f Msps (%s, %s)",
		float64(st.Frequency)/1e6, float64(st.SymbolRate)/1e6, st.Algorithm, st.Mode)

	start := d.clock.Now()
	signal, err := d.algo(ctx)
	res := d.res
	res.Elapsed = d.clock.Now().Sub(start)
	res.State = d.st
	if err != nil {
		d.enter(PhaseFailed)
		d.log.Errorf("Acquisition aborted: %v", err)
		return nil, err
	}

	res.Signal = signal
	res.Locked = signal == RangeOK
	if res.Locked {
		d.enter(PhaseLocked)
		d.log.Infof("Locked %s %s at %.3f MHz, %.3f Msps, offset %d Hz",
			d.st.Delsys, d.st.Modcod, float64(d.st.Frequency)/1e6, float64(d.st.SymbolRate)/1e6, res.Offset)
		return res, nil
	}

	d.enter(PhaseFailed)
	d.log.Warnf("No lock: %s", signal)
	// Leave the path quiet rather than searching on its own.
	if err := d.write(stv090x.DMDISTATE, stv090x.DmdStop); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Demod) validate(p Params) error {
	switch {
	case p.Frequency <= 0:
		return fmt.Errorf("%w: frequency must be positive, got %d", ErrConfig, p.Frequency)
	case p.SymbolRate < 0:
		return fmt.Errorf("%w: negative symbol rate %d", ErrConfig, p.SymbolRate)
	case p.SymbolRate != 0 && (p.SymbolRate < MinSymbolRate || p.SymbolRate > MaxSymbolRate):
		return fmt.Errorf("%w: symbol rate %d outside [%d, %d]", ErrConfig, p.SymbolRate, MinSymbolRate, MaxSymbolRate)
	case p.Mode < SearchAuto || p.Mode > SearchDSS:
		return fmt.Errorf("%w: unknown search mode %d", ErrConfig, int(p.Mode))
	case p.Algorithm < Cold || p.Algorithm > Blind:
		return fmt.Errorf("%w: unknown algorithm %d", ErrConfig, int(p.Algorithm))
	}
	if rev := d.Revision(); p.Mode == SearchDSS && rev != 0 && rev < 0x20 {
		return fmt.Errorf("%w: DSS search needs cut 2.0 or later, chip is %#02x", ErrConfig, rev)
	}
	return nil
}

func (d *Demod) rev() byte {
	return d.shared.Revision()
}

func (d *Demod) algo(ctx context.Context) (SignalState, error) {
	d.enter(PhaseIdle)

	// Stop the TS merger and the demodulator while reprogramming.
	if err := d.setField(stv090x.TSCFGH, stv090x.RstHware, 1); err != nil {
		return NoCarrier, err
	}
	if err := d.write(stv090x.DMDISTATE, stv090x.DmdStop); err != nil {
		return NoCarrier, err
	}
	if d.rev() >= 0x20 {
		corr := byte(0x82)
		if d.st.SymbolRate > 5_000_000 {
			corr = 0x9e
		}
		if err := d.write(stv090x.CORRELABS, corr); err != nil {
			return NoCarrier, err
		}
	}

	d.st.DemodTimeout, d.st.FECTimeout = LockTiming(d.st.SymbolRate, d.st.Algorithm)
	lowRate := false

	if d.st.Algorithm == Blind {
		d.st.TunerBW = 2 * 36_000_000
		if err := d.writes(
			regbus.Pair{Addr: stv090x.TMGCFG2, Val: 0xc0},
			regbus.Pair{Addr: stv090x.CORRELMANT, Val: 0x70},
		); err != nil {
			return NoCarrier, err
		}
		if err := d.setSymbolRate(1_000_000); err != nil {
			return NoCarrier, err
		}
	} else {
		mant := byte(0x70)
		if d.st.SymbolRate < 2_000_000 {
			mant = 0x63
		}
		if err := d.writes(
			regbus.Pair{Addr: stv090x.DMDTOM, Val: 0x20},
			regbus.Pair{Addr: stv090x.TMGCFG, Val: 0xd2},
			regbus.Pair{Addr: stv090x.CORRELMANT, Val: mant},
			regbus.Pair{Addr: stv090x.AGC2REF, Val: 0x38},
		); err != nil {
			return NoCarrier, err
		}
		if d.rev() >= 0x20 {
			if err := d.write(stv090x.KREFTMG, 0x5a); err != nil {
				return NoCarrier, err
			}
		}
		width := CarrierWidth(d.st.SymbolRate, d.st.Rolloff)
		if d.st.Algorithm == Cold {
			d.st.TunerBW = 15 * (width + trackGuardHz) / 10
		} else {
			d.st.TunerBW = width + trackGuardHz
		}
		if err := d.write(stv090x.TMGCFG2, 0xc1); err != nil {
			return NoCarrier, err
		}
		if err := d.setSymbolRate(d.st.SymbolRate); err != nil {
			return NoCarrier, err
		}
		if err := d.setSymbolRateBounds(d.st.SymbolRate); err != nil {
			return NoCarrier, err
		}
		lowRate = d.st.SymbolRate < 10_000_000
	}

	d.enter(PhaseTuning)
	if err := d.tune(ctx, d.st.Frequency, d.st.TunerBW); err != nil {
		return NoCarrier, err
	}
	if err := d.sleep(ctx, tunerSettle); err != nil {
		return NoCarrier, err
	}
	locked, err := d.tunerLocked(ctx)
	if err != nil {
		return NoCarrier, err
	}
	if !locked {
		d.log.Debug("Tuner PLL not locked")
		return NoCarrier, nil
	}

	if err := d.sleep(ctx, agcSettle); err != nil {
		return NoCarrier, err
	}
	power, err := d.frontEndPower()
	if err != nil {
		return NoCarrier, err
	}
	if !power {
		d.log.Debug("No power at the front end")
		return NoCarrier, nil
	}

	// Spectrum inversion and rolloff are left to the chip.
	if err := d.setFields(stv090x.DEMOD,
		fieldVal{stv090x.SpecInv, 2},
		fieldVal{stv090x.ManualRolloff, 0},
	); err != nil {
		return NoCarrier, err
	}

	d.enter(PhaseCoarseSearch)
	if err := d.deliverySearch(); err != nil {
		return NoCarrier, err
	}
	if d.st.Algorithm != Blind {
		if err := d.startSearch(); err != nil {
			return NoCarrier, err
		}
	}

	var lock bool
	switch d.st.Algorithm {
	case Blind:
		lock, err = d.blindSearch(ctx)
	case Cold:
		d.enter(PhaseDemodLockWait)
		lock, err = d.getColdLock(ctx, d.st.DemodTimeout)
	case Warm:
		d.enter(PhaseDemodLockWait)
		lock, err = d.getDemodLock(ctx, d.st.DemodTimeout)
	}
	if err != nil {
		return NoSignal, err
	}

	if !lock && d.st.Algorithm == Cold && !lowRate {
		timing, err := d.chkTiming(ctx)
		if err != nil {
			return NoSignal, err
		}
		if timing {
			if lock, err = d.swAlgo(ctx); err != nil {
				return NoSignal, err
			}
		}
	}
	if !lock {
		return NoSignal, nil
	}

	d.enter(PhaseRangeCheck)
	signal, err := d.getSigParams(ctx)
	if err != nil || signal != RangeOK {
		return signal, err
	}

	d.enter(PhaseTrackOptimize)
	held, err := d.optimizeTrack(ctx)
	if err != nil {
		return NoData, err
	}
	if !held {
		d.log.Debug("Demodulator lost lock while tracking")
		return NoData, nil
	}

	if d.rev() >= 0x20 {
		// Release the TS merger with a reset pulse.
		if err := d.setField(stv090x.TSCFGH, stv090x.RstHware, 0); err != nil {
			return NoData, err
		}
		if err := d.sleep(ctx, 3*time.Millisecond); err != nil {
			return NoData, err
		}
		if err := d.setField(stv090x.TSCFGH, stv090x.RstHware, 1); err != nil {
			return NoData, err
		}
		if err := d.setField(stv090x.TSCFGH, stv090x.RstHware, 0); err != nil {
			return NoData, err
		}
	}

	d.enter(PhaseFECLockWait)
	lock, err = d.getLock(ctx, d.st.FECTimeout, d.st.FECTimeout)
	if err != nil {
		return NoData, err
	}
	if !lock {
		return NoData, nil
	}
	if err := d.resetErrorCounters(); err != nil {
		return RangeOK, err
	}
	return RangeOK, nil
}

// frontEndPower reports whether AGC1 or the raw I/Q power shows anything at the input.
func (d *Demod) frontEndPower() (bool, error) {
	agc1, err := d.read16(stv090x.AGCIQIN1, stv090x.AGCIQIN0)
	if err != nil {
		return false, err
	}
	if agc1 != 0 {
		return true, nil
	}
	var power int
	for range 5 {
		i, err := d.read(stv090x.POWERI)
		if err != nil {
			return false, err
		}
		q, err := d.read(stv090x.POWERQ)
		if err != nil {
			return false, err
		}
		power += (int(i) + int(q)) / 2
	}
	return power/5 >= iqPowerThreshold, nil
}

// deliverySearch enables the standards the request allows.
func (d *Demod) deliverySearch() error {
	s1, s2 := byte(1), byte(1)
	switch d.st.Mode {
	case SearchDVBS1, SearchDSS:
		s2 = 0
	case SearchDVBS2:
		s1 = 0
	}
	if err := d.setFields(stv090x.DMDCFGMD,
		fieldVal{stv090x.DVBS1Enable, s1},
		fieldVal{stv090x.DVBS2Enable, s2},
	); err != nil {
		return err
	}
	var dss byte
	if d.st.Mode == SearchDSS {
		dss = 1
	}
	return d.setField(stv090x.FECM, stv090x.DSSSearch, dss)
}

// startSearch programs the hardware carrier search and kicks off the demodulator.
func (d *Demod) startSearch() error {
	if err := d.write(stv090x.DMDISTATE, stv090x.DmdReset); err != nil {
		return err
	}
	if d.rev() < 0x20 {
		if err := d.write(stv090x.CORRELABS, 0xaa); err != nil {
			return err
		}
	}

	var up uint16
	carcfg := byte(0xc4)
	if d.st.SymbolRate <= 5_000_000 {
		carcfg = 0x44
		up = 0x0fff
	} else {
		guard := int64(1600)
		if d.st.Algorithm == Warm {
			guard = 600
		}
		freqKHz := d.st.SearchRange/2000 + guard
		norm := freqKHz * 65536 / (d.mclk / 1000)
		up = uint16(min(norm, 0x7fff))
	}
	if err := d.write(stv090x.CARCFG, carcfg); err != nil {
		return err
	}
	if err := d.write16(stv090x.CFRUP1, stv090x.CFRUP0, up); err != nil {
		return err
	}
	if err := d.write16(stv090x.CFRLOW1, stv090x.CFRLOW0, -up); err != nil {
		return err
	}
	if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, 0); err != nil {
		return err
	}

	if d.rev() >= 0x20 {
		if err := d.writes(
			regbus.Pair{Addr: stv090x.EQUALCFG, Val: 0x41},
			regbus.Pair{Addr: stv090x.FFECFG, Val: 0x41},
		); err != nil {
			return err
		}
		if d.st.Mode != SearchDVBS2 {
			if err := d.writes(
				regbus.Pair{Addr: stv090x.VITSCALE, Val: 0x82},
				regbus.Pair{Addr: stv090x.VAVSRVIT, Val: 0x00},
			); err != nil {
				return err
			}
		}
	}
	if err := d.writes(
		regbus.Pair{Addr: stv090x.SFRSTEP, Val: 0x00},
		regbus.Pair{Addr: stv090x.TMGTHRISE, Val: 0xe0},
		regbus.Pair{Addr: stv090x.TMGTHFALL, Val: 0xc0},
	); err != nil {
		return err
	}
	if err := d.setFields(stv090x.DMDCFGMD,
		fieldVal{stv090x.ScanEnable, 0},
		fieldVal{stv090x.CFRAutoscan, 0},
	); err != nil {
		return err
	}
	if err := d.write(stv090x.RTC, 0x88); err != nil {
		return err
	}

	carfreq := byte(0x4b)
	switch {
	case d.st.SymbolRate < 2_000_000:
		carfreq = 0x39
	case d.st.SymbolRate < 10_000_000:
		carfreq = 0x4c
	}
	if err := d.write(stv090x.CARFREQ, carfreq); err != nil {
		return err
	}

	start := byte(stv090x.DmdColdStart)
	if d.st.Algorithm == Warm {
		start = stv090x.DmdWarmStart
	}
	return d.writes(
		regbus.Pair{Addr: stv090x.DMDISTATE, Val: stv090x.DmdReset},
		regbus.Pair{Addr: stv090x.DMDISTATE, Val: start},
	)
}

func (d *Demod) normRate(srate int64) int64 {
	return srate * 65536 / d.mclk
}

func (d *Demod) setSymbolRate(srate int64) error {
	return d.write16(stv090x.SFRINIT1, stv090x.SFRINIT0, uint16(min(d.normRate(srate), 0xffff)))
}

// setSymbolRateBounds lets the timing loop wander 5% either side of srate.
func (d *Demod) setSymbolRateBounds(srate int64) error {
	up := min(d.normRate(srate*105/100), 0x7fff)
	low := min(d.normRate(srate*95/100), 0x7fff)
	if err := d.write16(stv090x.SFRUP1, stv090x.SFRUP0, uint16(up)); err != nil {
		return err
	}
	return d.write16(stv090x.SFRLOW1, stv090x.SFRLOW0, uint16(low))
}

// readSymbolRate is the rate the timing loop settled on.
func (d *Demod) readSymbolRate() (int64, error) {
	var sfr uint64
	for _, r := range []uint16{stv090x.SFR3, stv090x.SFR2, stv090x.SFR1, stv090x.SFR0} {
		v, err := d.read(r)
		if err != nil {
			return 0, err
		}
		sfr = sfr<<8 | uint64(v)
	}
	return int64(sfr * uint64(d.mclk) >> 32), nil
}

// readCarrierOffset is the derotator frequency in Hz, signed.
func (d *Demod) readCarrierOffset() (int64, error) {
	var derot int64
	for _, r := range []uint16{stv090x.CFR2, stv090x.CFR1, stv090x.CFR0} {
		v, err := d.read(r)
		if err != nil {
			return 0, err
		}
		derot = derot<<8 | int64(v)
	}
	if derot&0x800000 != 0 {
		derot -= 1 << 24
	}
	return derot * d.mclk / (1 << 24), nil
}

func (d *Demod) readDelsys() (Delsys, error) {
	hdr, err := d.field(stv090x.DMDSTATE, stv090x.HeaderMode)
	if err != nil {
		return DelsysError, err
	}
	switch hdr {
	case stv090x.HeaderDVBS2:
		return DVBS2, nil
	case stv090x.HeaderDVBS1:
		dss, err := d.field(stv090x.FECM, stv090x.DSSDVB)
		if err != nil {
			return DelsysError, err
		}
		if dss == 1 {
			return DSS, nil
		}
		return DVBS1, nil
	}
	return DelsysError, nil
}

// getSigParams reads back what the demodulator locked to and decides whether it is the
// carrier that was asked for.
func (d *Demod) getSigParams(ctx context.Context) (SignalState, error) {
	if err := d.sleep(ctx, 5*time.Millisecond); err != nil {
		return NoSignal, err
	}
	if d.st.Algorithm == Blind {
		// let the timing loop settle before trusting SFR
		tmg, err := d.read(stv090x.TMGREG2)
		if err != nil {
			return NoSignal, err
		}
		if err := d.write(stv090x.SFRSTEP, 0x5c); err != nil {
			return NoSignal, err
		}
		for i := 0; i <= 50 && tmg != 0 && tmg != 0xff; i += 5 {
			if tmg, err = d.read(stv090x.TMGREG2); err != nil {
				return NoSignal, err
			}
			if err := d.sleep(ctx, 5*time.Millisecond); err != nil {
				return NoSignal, err
			}
		}
	}

	var err error
	if d.st.Delsys, err = d.readDelsys(); err != nil {
		return NoSignal, err
	}
	freq, err := d.tunerFrequency(ctx, d.st.Frequency)
	if err != nil {
		return NoSignal, err
	}
	requested := d.st.Frequency
	offset, err := d.readCarrierOffset()
	if err != nil {
		return NoSignal, err
	}
	d.st.Frequency = freq + offset
	d.res.Offset = d.st.Frequency - requested

	if d.st.Algorithm == Blind {
		if d.st.SymbolRate, err = d.readSymbolRate(); err != nil {
			return NoSignal, err
		}
	}

	mc, err := d.read(stv090x.DMDMODCOD)
	if err != nil {
		return NoSignal, err
	}
	if d.st.Delsys == DVBS2 {
		d.st.Modcod = Modcod(stv090x.Modcod.Get(mc))
		ft := stv090x.FrameType.Get(mc)
		d.st.Pilots = ft&0x01 == 1
		d.st.FrameLen = FrameLen(ft >> 1)
	} else {
		d.st.Modcod = ModcodUnknown
	}
	ro, err := d.field(stv090x.TMGOBS, stv090x.RolloffStatus)
	if err != nil {
		return NoSignal, err
	}
	if ro <= byte(Rolloff20) {
		d.st.Rolloff = Rolloff(ro)
	}
	inv, err := d.field(stv090x.FECM, stv090x.IQInv)
	if err != nil {
		return NoSignal, err
	}
	d.st.Inversion = inv == 1

	return d.rangeCheck(d.res.Offset), nil
}

// rangeMargin is the slack on top of half the search range. It is 500 kHz, as the vendor
// driver uses, not 500 Hz.
const rangeMargin = 500_000

func (d *Demod) rangeCheck(offset int64) SignalState {
	if offset < 0 {
		offset = -offset
	}
	if offset <= d.st.SearchRange/2+rangeMargin {
		return RangeOK
	}
	if (d.st.Algorithm == Blind || d.st.SymbolRate < 10_000_000) &&
		offset <= CarrierWidth(d.st.SymbolRate, d.st.Rolloff)/2 {
		return RangeOK
	}
	d.log.Debugf("Carrier %d Hz off, outside the search range", offset)
	return OutOfRange
}

// getDemodLock polls for a definite demodulator lock.
func (d *Demod) getDemodLock(ctx context.Context, budget time.Duration) (bool, error) {
	return d.poll(ctx, budget, pollInterval, func() (bool, error) {
		hdr, err := d.field(stv090x.DMDSTATE, stv090x.HeaderMode)
		if err != nil {
			return false, err
		}
		st, err := d.read(stv090x.DSTATUS)
		if err != nil {
			return false, err
		}
		switch hdr {
		case stv090x.HeaderDVBS2, stv090x.HeaderDVBS1:
			return stv090x.LockDefinite.Get(st) == 1, nil
		}
		return false, nil
	})
}

// getFECLock polls the packet delineator for DVB-S2 or the Viterbi decoder otherwise.
func (d *Demod) getFECLock(ctx context.Context, budget time.Duration) (bool, error) {
	return d.poll(ctx, budget, pollInterval, func() (bool, error) {
		hdr, err := d.field(stv090x.DMDSTATE, stv090x.HeaderMode)
		if err != nil {
			return false, err
		}
		switch hdr {
		case stv090x.HeaderDVBS2:
			v, err := d.field(stv090x.PDELSTAT1, stv090x.PktDelinLock)
			return v == 1, err
		case stv090x.HeaderDVBS1:
			v, err := d.field(stv090x.VSTATUSVIT, stv090x.LockedVit)
			return v == 1, err
		}
		return false, nil
	})
}

// getLock waits for demodulator, FEC and transport stream in turn.
func (d *Demod) getLock(ctx context.Context, dmdBudget, fecBudget time.Duration) (bool, error) {
	lock, err := d.getDemodLock(ctx, dmdBudget)
	if err != nil || !lock {
		return false, err
	}
	lock, err = d.getFECLock(ctx, fecBudget)
	if err != nil || !lock {
		return false, err
	}
	return d.poll(ctx, fecBudget, tsPollInterval, func() (bool, error) {
		v, err := d.field(stv090x.TSSTATUS, stv090x.TSLineOK)
		return v == 1, err
	})
}

func (d *Demod) resetErrorCounters() error {
	if d.st.Delsys == DVBS2 {
		if err := d.setField(stv090x.PDELCTRL2, stv090x.ResetUpko, 1); err != nil {
			return err
		}
		if err := d.setField(stv090x.PDELCTRL2, stv090x.ResetUpko, 0); err != nil {
			return err
		}
		if err := d.write(stv090x.ERRCTRL1, 0x67); err != nil {
			return err
		}
	} else if err := d.write(stv090x.ERRCTRL1, 0x75); err != nil {
		return err
	}
	return d.writes(
		regbus.Pair{Addr: stv090x.FBERCPT4, Val: 0x00},
		regbus.Pair{Addr: stv090x.ERRCTRL2, Val: 0xc1},
	)
}
