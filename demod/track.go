package demod

import (
	"context"
	"time"

	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// optimizeTrack switches the demodulator from acquisition to tracking settings for the
// standard it found, narrows the tuner, and checks the lock survived. It reports whether
// the demodulator is still locked.
func (d *Demod) optimizeTrack(ctx context.Context) (bool, error) {
	srate, err := d.readSymbolRate()
	if err != nil {
		return false, err
	}

	switch d.st.Delsys {
	case DVBS1, DSS:
		if d.st.Mode == SearchAuto {
			if err := d.setFields(stv090x.DMDCFGMD,
				fieldVal{stv090x.DVBS1Enable, 1},
				fieldVal{stv090x.DVBS2Enable, 0},
			); err != nil {
				return false, err
			}
		}
		if err := d.setFields(stv090x.DEMOD,
			fieldVal{stv090x.RolloffCtrl, byte(d.st.Rolloff)},
			fieldVal{stv090x.ManualRolloff, 1},
		); err != nil {
			return false, err
		}
		if err := d.write(stv090x.ERRCTRL1, 0x75); err != nil {
			return false, err
		}

	case DVBS2:
		if err := d.setFields(stv090x.DMDCFGMD,
			fieldVal{stv090x.DVBS1Enable, 0},
			fieldVal{stv090x.DVBS2Enable, 1},
		); err != nil {
			return false, err
		}
		if d.rev() >= 0x30 {
			if err := d.writes(
				regbus.Pair{Addr: stv090x.ACLC, Val: 0},
				regbus.Pair{Addr: stv090x.BCLC, Val: 0},
			); err != nil {
				return false, err
			}
		}
		if err := d.setCarrierLoop(); err != nil {
			return false, err
		}
		if err := d.write(stv090x.ERRCTRL1, 0x67); err != nil {
			return false, err
		}

	default:
		if err := d.setFields(stv090x.DMDCFGMD,
			fieldVal{stv090x.DVBS1Enable, 1},
			fieldVal{stv090x.DVBS2Enable, 1},
		); err != nil {
			return false, err
		}
	}

	cfr, err := d.read16(stv090x.CFR2, stv090x.CFR1)
	if err != nil {
		return false, err
	}

	blindTune := false
	if d.st.Algorithm == Blind {
		if err := d.write(stv090x.SFRSTEP, 0x00); err != nil {
			return false, err
		}
		if err := d.setFields(stv090x.DMDCFGMD,
			fieldVal{stv090x.ScanEnable, 0},
			fieldVal{stv090x.CFRAutoscan, 0},
		); err != nil {
			return false, err
		}
		if err := d.write(stv090x.TMGCFG2, 0xc1); err != nil {
			return false, err
		}
		if err := d.setSymbolRate(srate); err != nil {
			return false, err
		}
		if err := d.setSymbolRateBounds(srate); err != nil {
			return false, err
		}
		blindTune = true
	}

	if d.rev() >= 0x20 && d.st.Delsys != DVBS2 {
		if err := d.writes(
			regbus.Pair{Addr: stv090x.VAVSRVIT, Val: 0x0a},
			regbus.Pair{Addr: stv090x.VITSCALE, Val: 0x00},
		); err != nil {
			return false, err
		}
	}
	if err := d.write(stv090x.AGC2REF, 0x38); err != nil {
		return false, err
	}

	if d.rev() >= 0x20 || blindTune || d.st.SymbolRate < 10_000_000 {
		if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, cfr); err != nil {
			return false, err
		}
		d.st.TunerBW = trackBandwidth(srate, d.st.Rolloff, d.trackGuard, d.trackDivisor)
		if (d.rev() >= 0x20 || blindTune) && d.st.Algorithm != Warm {
			if err := d.setTunerBandwidth(ctx, d.st.TunerBW); err != nil {
				return false, err
			}
		}
		settle := 5 * time.Millisecond
		if d.st.Algorithm == Blind || d.st.SymbolRate < 10_000_000 {
			settle = tunerSettle
		}
		if err := d.sleep(ctx, settle); err != nil {
			return false, err
		}

		d.st.DemodTimeout, d.st.FECTimeout = LockTiming(srate, d.st.Algorithm)
		held, err := d.getDemodLock(ctx, d.st.DemodTimeout/2)
		if err != nil {
			return false, err
		}
		for i := 0; !held && i < trackRetries; i++ {
			d.log.Debugf("Re-centring carrier, attempt %d", i+1)
			if err := d.write(stv090x.DMDISTATE, stv090x.DmdReset); err != nil {
				return false, err
			}
			if err := d.write16(stv090x.CFRINIT1, stv090x.CFRINIT0, cfr); err != nil {
				return false, err
			}
			if err := d.write(stv090x.DMDISTATE, stv090x.DmdWarmStart); err != nil {
				return false, err
			}
			if held, err = d.getDemodLock(ctx, d.st.DemodTimeout/2); err != nil {
				return false, err
			}
		}
		if !held {
			return false, nil
		}
	}

	if d.rev() >= 0x20 {
		if err := d.write(stv090x.CARFREQ, 0x49); err != nil {
			return false, err
		}
	}
	return true, nil
}

// setCarrierLoop writes the DVB-S2 tracking gain for the locked modcod.
func (d *Demod) setCarrierLoop() error {
	gain := CarrierLoopGain(d.rev(), d.st.Modcod, d.st.FrameLen, d.st.Pilots, d.st.SymbolRate)
	d.st.CarrierGain = gain
	mod := d.st.Modcod.Modulation()
	if mod != QPSK {
		if err := d.write(stv090x.ACLC2S2Q, 0x2a); err != nil {
			return err
		}
	}
	d.log.Debugf("Carrier loop gain %#02x for %s", gain, d.st.Modcod)
	return d.write(gainRegister(mod), gain)
}
