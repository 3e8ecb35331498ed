package demod

import "github.com/jrwynneiii/stvtuner/stv090x"

// Carrier loop gains for DVB-S2 tracking. Long-frame rows hold one value per symbol rate
// bucket, pilots on then off: 2M on, 2M off, 5M on, 5M off, 10M, 20M, 30M.
type carLoopRow struct {
	modcod Modcod
	gains  [10]byte
}

var carLoopCut30 = []carLoopRow{
	{QPSK12, [10]byte{0x3c, 0x2c, 0x0c, 0x2c, 0x1b, 0x2c, 0x1b, 0x1c, 0x0b, 0x3b}},
	{QPSK35, [10]byte{0x0d, 0x0d, 0x0c, 0x0d, 0x1b, 0x3c, 0x1b, 0x1c, 0x0b, 0x3b}},
	{QPSK23, [10]byte{0x1d, 0x0d, 0x0c, 0x1d, 0x2b, 0x3c, 0x1b, 0x1c, 0x0b, 0x3b}},
	{QPSK34, [10]byte{0x2d, 0x1d, 0x1d, 0x1d, 0x2b, 0x3c, 0x1b, 0x1c, 0x0b, 0x3b}},
	{QPSK45, [10]byte{0x2d, 0x1d, 0x1c, 0x1d, 0x2b, 0x3c, 0x2b, 0x0c, 0x1b, 0x3b}},
	{QPSK56, [10]byte{0x2d, 0x1d, 0x1c, 0x1d, 0x2b, 0x3c, 0x2b, 0x0c, 0x1b, 0x3b}},
	{QPSK89, [10]byte{0x3d, 0x2d, 0x1c, 0x1d, 0x3b, 0x3c, 0x2b, 0x0c, 0x1b, 0x3b}},
	{QPSK910, [10]byte{0x3d, 0x2d, 0x1c, 0x1d, 0x3b, 0x3c, 0x2b, 0x0c, 0x1b, 0x3b}},
	{PSK8_35, [10]byte{0x39, 0x29, 0x39, 0x19, 0x19, 0x19, 0x19, 0x19, 0x09, 0x19}},
	{PSK8_23, [10]byte{0x2a, 0x39, 0x1a, 0x0a, 0x39, 0x0a, 0x29, 0x39, 0x29, 0x0a}},
	{PSK8_34, [10]byte{0x2b, 0x3a, 0x1b, 0x1b, 0x3a, 0x1b, 0x1a, 0x0b, 0x1a, 0x3a}},
	{PSK8_56, [10]byte{0x0c, 0x1b, 0x3b, 0x3b, 0x1b, 0x3b, 0x3a, 0x3b, 0x3a, 0x1b}},
	{PSK8_89, [10]byte{0x0c, 0x1b, 0x3b, 0x3b, 0x1b, 0x3b, 0x3a, 0x3b, 0x3a, 0x1b}},
	{PSK8_910, [10]byte{0x0c, 0x1b, 0x3b, 0x3b, 0x1b, 0x3b, 0x3a, 0x3b, 0x3a, 0x1b}},
}

var carLoopLowQPSKCut30 = []carLoopRow{
	{QPSK14, [10]byte{0x0c, 0x3c, 0x0b, 0x3c, 0x2a, 0x2c, 0x2a, 0x1c, 0x3a, 0x3b}},
	{QPSK13, [10]byte{0x0c, 0x3c, 0x0b, 0x3c, 0x2a, 0x2c, 0x3a, 0x0c, 0x3a, 0x2b}},
	{QPSK25, [10]byte{0x1c, 0x3c, 0x1b, 0x3c, 0x3a, 0x1c, 0x3a, 0x3b, 0x3a, 0x2b}},
}

var carLoopAPSKCut30 = []carLoopRow{
	{APSK16_23, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1d, 0x0c, 0x3c, 0x0c, 0x2c, 0x0c}},
	{APSK16_34, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0e, 0x0c, 0x2d, 0x0c, 0x1d, 0x0c}},
	{APSK16_45, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1e, 0x0c, 0x3d, 0x0c, 0x2d, 0x0c}},
	{APSK16_56, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1e, 0x0c, 0x3d, 0x0c, 0x2d, 0x0c}},
	{APSK16_89, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x2e, 0x0c, 0x0e, 0x0c, 0x3d, 0x0c}},
	{APSK16_910, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x2e, 0x0c, 0x0e, 0x0c, 0x3d, 0x0c}},
	{APSK32_34, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_45, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_56, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_89, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_910, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
}

var carLoopCut20 = []carLoopRow{
	{QPSK12, [10]byte{0x1f, 0x3f, 0x1e, 0x3f, 0x3d, 0x1f, 0x3d, 0x3e, 0x3d, 0x1e}},
	{QPSK35, [10]byte{0x2f, 0x3f, 0x2e, 0x2f, 0x3d, 0x0f, 0x0e, 0x2e, 0x3d, 0x0e}},
	{QPSK23, [10]byte{0x2f, 0x3f, 0x2e, 0x2f, 0x0e, 0x0f, 0x0e, 0x1e, 0x3d, 0x3d}},
	{QPSK34, [10]byte{0x3f, 0x3f, 0x3e, 0x1f, 0x0e, 0x3e, 0x0e, 0x1e, 0x3d, 0x3d}},
	{QPSK45, [10]byte{0x3f, 0x3f, 0x3e, 0x1f, 0x0e, 0x3e, 0x0e, 0x1e, 0x3d, 0x3d}},
	{QPSK56, [10]byte{0x3f, 0x3f, 0x3e, 0x1f, 0x0e, 0x3e, 0x0e, 0x1e, 0x3d, 0x3d}},
	{QPSK89, [10]byte{0x3f, 0x3f, 0x3e, 0x1f, 0x1e, 0x3e, 0x0e, 0x1e, 0x3d, 0x3d}},
	{QPSK910, [10]byte{0x3f, 0x3f, 0x3e, 0x1f, 0x1e, 0x3e, 0x0e, 0x1e, 0x3d, 0x3d}},
	{PSK8_35, [10]byte{0x3c, 0x3e, 0x1c, 0x2e, 0x0c, 0x1e, 0x2b, 0x2d, 0x1b, 0x1d}},
	{PSK8_23, [10]byte{0x1d, 0x3e, 0x3c, 0x2e, 0x2c, 0x1e, 0x0c, 0x2d, 0x2b, 0x1d}},
	{PSK8_34, [10]byte{0x0e, 0x3e, 0x3d, 0x2e, 0x0d, 0x1e, 0x2c, 0x2d, 0x0c, 0x1d}},
	{PSK8_56, [10]byte{0x2e, 0x3e, 0x1e, 0x2e, 0x2d, 0x1e, 0x3c, 0x2d, 0x2c, 0x1d}},
	{PSK8_89, [10]byte{0x3e, 0x3e, 0x1e, 0x2e, 0x3d, 0x1e, 0x0d, 0x2d, 0x3c, 0x1d}},
	{PSK8_910, [10]byte{0x3e, 0x3e, 0x1e, 0x2e, 0x3d, 0x1e, 0x1d, 0x2d, 0x0d, 0x1d}},
}

var carLoopLowQPSKCut20 = []carLoopRow{
	{QPSK14, [10]byte{0x0f, 0x3f, 0x0e, 0x3f, 0x2d, 0x2f, 0x2d, 0x1f, 0x3d, 0x3e}},
	{QPSK13, [10]byte{0x0f, 0x3f, 0x0e, 0x3f, 0x2d, 0x2f, 0x3d, 0x0f, 0x3d, 0x2e}},
	{QPSK25, [10]byte{0x1f, 0x3f, 0x1e, 0x3f, 0x3d, 0x1f, 0x3d, 0x3e, 0x3d, 0x2e}},
}

var carLoopAPSKCut20 = []carLoopRow{
	{APSK16_23, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1d, 0x0c, 0x3c, 0x0c, 0x2c, 0x0c}},
	{APSK16_34, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0e, 0x0c, 0x2d, 0x0c, 0x1d, 0x0c}},
	{APSK16_45, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1e, 0x0c, 0x3d, 0x0c, 0x2d, 0x0c}},
	{APSK16_56, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x1e, 0x0c, 0x3d, 0x0c, 0x2d, 0x0c}},
	{APSK16_89, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x2e, 0x0c, 0x0e, 0x0c, 0x3d, 0x0c}},
	{APSK16_910, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x2e, 0x0c, 0x0e, 0x0c, 0x3d, 0x0c}},
	{APSK32_34, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_45, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_56, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_89, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
	{APSK32_910, [10]byte{0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c, 0x0c}},
}

// Short frames carry no pilots; one value per bucket and modulation.
var shortCarLoopCut30 = [4][5]byte{
	QPSK:   {0x2c, 0x2b, 0x0b, 0x0b, 0x3a},
	PSK8:   {0x3b, 0x0b, 0x2a, 0x0a, 0x39},
	APSK16: {0x1b, 0x1b, 0x1b, 0x3a, 0x2a},
	APSK32: {0x0c, 0x0c, 0x0c, 0x0c, 0x3b},
}

var shortCarLoopCut20 = [4][5]byte{
	QPSK:   {0x2f, 0x2e, 0x0e, 0x0e, 0x3d},
	PSK8:   {0x3e, 0x0e, 0x2d, 0x0d, 0x3c},
	APSK16: {0x1e, 0x1e, 0x1e, 0x3d, 0x2d},
	APSK32: {0x1e, 0x1e, 0x1e, 0x3d, 0x2d},
}

// RateBucket maps a symbol rate to a gain table column pair: up to 3, 7, 15 and 25 Msps,
// then everything faster.
func RateBucket(srate int64) int {
	switch {
	case srate <= 3_000_000:
		return 0
	case srate <= 7_000_000:
		return 1
	case srate <= 15_000_000:
		return 2
	case srate <= 25_000_000:
		return 3
	}
	return 4
}

// lookupRow finds mc in rows, or falls back to the row at fallback.
func lookupRow(rows []carLoopRow, mc Modcod, fallback int) (carLoopRow, bool) {
	for _, r := range rows {
		if r.modcod == mc {
			return r, true
		}
	}
	if fallback < 0 {
		return carLoopRow{}, false
	}
	return rows[fallback], true
}

// CarrierLoopGain is the tracking gain for a DVB-S2 carrier. Modcods missing from a table
// clamp to its last row, so every input yields a value.
func CarrierLoopGain(rev byte, mc Modcod, frame FrameLen, pilots bool, srate int64) byte {
	bucket := RateBucket(srate)
	cut20 := rev <= 0x20

	if frame == ShortFrame {
		if cut20 {
			return shortCarLoopCut20[mc.Modulation()][bucket]
		}
		return shortCarLoopCut30[mc.Modulation()][bucket]
	}

	crl, low, apsk := carLoopCut30, carLoopLowQPSKCut30, carLoopAPSKCut30
	if cut20 {
		crl, low, apsk = carLoopCut20, carLoopLowQPSKCut20, carLoopAPSKCut20
	}

	var row carLoopRow
	if mc < QPSK12 {
		row, _ = lookupRow(low, mc, len(low)-1)
	} else if r, ok := lookupRow(crl, mc, -1); ok {
		row = r
	} else {
		row, _ = lookupRow(apsk, mc, len(apsk)-1)
	}

	col := 2 * bucket
	if !pilots {
		col++
	}
	return row.gains[col]
}

// gainRegister is where the tracking gain for a modulation goes.
func gainRegister(m Modulation) uint16 {
	switch m {
	case PSK8:
		return stv090x.ACLC2S28
	case APSK16:
		return stv090x.ACLC2S216A
	case APSK32:
		return stv090x.ACLC2S232A
	}
	return stv090x.ACLC2S2Q
}
