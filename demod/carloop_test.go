package demod

import (
	"testing"

	"github.com/jrwynneiii/stvtuner/stv090x"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCarrierLoopGainQPSK34(t *testing.T) {
	assert.Equal(t, byte(0x1d), CarrierLoopGain(0x30, QPSK34, LongFrame, true, 5_000_000))
	assert.Equal(t, byte(0x0b), CarrierLoopGain(0x30, QPSK34, LongFrame, true, 27_500_000))
	assert.Equal(t, byte(0x3b), CarrierLoopGain(0x30, QPSK34, LongFrame, false, 27_500_000))
}

func TestRateBucket(t *testing.T) {
	tests := []struct {
		srate  int64
		bucket int
	}{
		{1, 0},
		{3_000_000, 0},
		{3_000_001, 1},
		{7_000_000, 1},
		{15_000_000, 2},
		{25_000_000, 3},
		{25_000_001, 4},
		{1_000_000_000, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bucket, RateBucket(tt.srate), "rate %d", tt.srate)
	}
}

func TestCarrierLoopGainFallbacks(t *testing.T) {
	// modcods below QPSK 1/2 use the low-rate table, unknown ones its last row
	assert.Equal(t, byte(0x1c), CarrierLoopGain(0x30, DummyPLF, LongFrame, true, 1_000_000))
	assert.Equal(t, byte(0x0c), CarrierLoopGain(0x30, QPSK14, LongFrame, true, 1_000_000))
	assert.Equal(t, byte(0x0c), CarrierLoopGain(0x30, ModcodUnknown, LongFrame, true, 1_000_000))
	assert.Equal(t, byte(0x1d), CarrierLoopGain(0x30, APSK16_23, LongFrame, true, 10_000_000))
}

func TestCarrierLoopGainShortFrame(t *testing.T) {
	assert.Equal(t, byte(0x2a), CarrierLoopGain(0x30, PSK8_23, ShortFrame, false, 10_000_000))
	assert.Equal(t, byte(0x3a), CarrierLoopGain(0x30, QPSK12, ShortFrame, true, 45_000_000))
	assert.Equal(t, byte(0x2e), CarrierLoopGain(0x20, QPSK12, ShortFrame, true, 5_000_000))
}

func TestCarrierLoopGainTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rev := rapid.Byte().Draw(t, "rev")
		mc := Modcod(rapid.Byte().Draw(t, "modcod"))
		frame := FrameLen(rapid.IntRange(0, 1).Draw(t, "frame"))
		pilots := rapid.Bool().Draw(t, "pilots")
		srate := rapid.Int64Range(1, 1_000_000_000).Draw(t, "srate")

		gain := CarrierLoopGain(rev, mc, frame, pilots, srate)
		assert.NotZero(t, gain)
		assert.Less(t, gain, byte(0x40), "gain fields are 6 bits")
	})
}

func TestGainRegister(t *testing.T) {
	assert.Equal(t, uint16(stv090x.ACLC2S2Q), gainRegister(QPSK))
	assert.Equal(t, uint16(stv090x.ACLC2S28), gainRegister(PSK8))
	assert.Equal(t, uint16(stv090x.ACLC2S216A), gainRegister(APSK16))
	assert.Equal(t, uint16(stv090x.ACLC2S232A), gainRegister(APSK32))
}
