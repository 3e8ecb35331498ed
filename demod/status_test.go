package demod

import (
	"context"
	"testing"

	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/sim"
	"github.com/jrwynneiii/stvtuner/stv090x"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusAfterLock(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)
	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)
	require.True(t, res.Locked)

	st, err := b.d.ReadStatus()
	require.NoError(t, err)
	assert.True(t, st.Locked())
	assert.True(t, st.Timing)
	assert.True(t, st.Carrier)
	assert.Equal(t, DVBS2, st.Delsys)

	cnr, err := b.d.CNR()
	require.NoError(t, err)
	assert.InDelta(t, 10.0, cnr, 0.01)

	dbm, err := b.d.SignalStrength()
	require.NoError(t, err)
	assert.InDelta(t, -40.0, dbm, 0.01)
}

func TestStatusUnlocked(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.Carrier = testFreq + 200_000_000
	b := newBench(t, sig, 0x30)
	_, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)

	st, err := b.d.ReadStatus()
	require.NoError(t, err)
	assert.False(t, st.Locked())
	assert.False(t, st.FEC)

	cnr, err := b.d.CNR()
	require.NoError(t, err)
	assert.Zero(t, cnr)

	// nothing at the front end reads as the weakest level in the table
	dbm, err := b.d.SignalStrength()
	require.NoError(t, err)
	assert.InDelta(t, -70.0, dbm, 0.01)
}

func TestLevelTableClamps(t *testing.T) {
	assert.InDelta(t, -5.0, rfTable.At(0xffff), 1e-9)
	assert.InDelta(t, -70.0, rfTable.At(0), 1e-9)
	assert.InDelta(t, 30.0, s2Table.At(0), 1e-9)
	assert.InDelta(t, -3.0, s2Table.At(20000), 1e-9)
	assert.InDelta(t, 10.0, s1Table.At(3815), 1e-9)

	// halfway between two points
	assert.InDelta(t, 10.5, s2Table.At((7576+7047)/2.0), 1e-9)
}

func TestStandbyWaitsForBothPaths(t *testing.T) {
	chip := sim.NewChip(qpsk34(27_500_000), 0x30, DefaultMasterClock)
	reg := NewRegistry()
	ctx := context.Background()

	var demods []*Demod
	for _, n := range []int{1, 2} {
		d, err := New(reg, chip, chip.Tuner(n), config.DeviceConf{Bus: "sim", Address: 0x68, Path: n},
			WithClock(sim.NewClock(false)))
		require.NoError(t, err)
		require.NoError(t, d.Init(ctx))
		demods = append(demods, d)
	}
	standby := func() byte { return stv090x.Standby.Get(chip.Reg(stv090x.SYNTCTRL)) }

	require.NoError(t, demods[0].Standby(ctx))
	assert.True(t, demods[0].Asleep())
	assert.Equal(t, byte(stv090x.DmdStop), chip.LastCommand(1))
	_, _, on := chip.Tuner(1).Settings()
	assert.False(t, on)
	assert.Zero(t, standby(), "path 2 still needs the synthesiser")

	require.NoError(t, demods[1].Standby(ctx))
	assert.Equal(t, byte(1), standby())

	require.NoError(t, demods[0].Wakeup(ctx))
	assert.False(t, demods[0].Asleep())
	assert.Zero(t, standby())
	_, _, on = chip.Tuner(1).Settings()
	assert.True(t, on)
	assert.Zero(t, chip.GateFaults())
}

func TestNewRejectsBadConfig(t *testing.T) {
	chip := sim.NewChip(sim.Signal{}, 0x30, DefaultMasterClock)
	reg := NewRegistry()

	_, err := New(nil, chip, chip.Tuner(1), config.DeviceConf{Path: 1})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = New(reg, chip, chip.Tuner(1), config.DeviceConf{Path: 3})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = New(reg, nil, chip.Tuner(1), config.DeviceConf{Path: 1})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = New(reg, chip, chip.Tuner(1), config.DeviceConf{Path: 1, MasterHz: 1000})
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, chip.Writes())
}

func TestInitWritesGlobalTableOnce(t *testing.T) {
	chip := sim.NewChip(sim.Signal{}, 0x20, DefaultMasterClock)
	reg := NewRegistry()
	ctx := context.Background()

	d1, err := New(reg, chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Address: 0x68, Path: 1})
	require.NoError(t, err)
	require.NoError(t, d1.Init(ctx))
	afterFirst := chip.Writes()
	assert.Equal(t, byte(0x20), d1.Revision())

	d2, err := New(reg, chip, chip.Tuner(2), config.DeviceConf{Bus: "sim", Address: 0x68, Path: 2})
	require.NoError(t, err)
	require.NoError(t, d2.Init(ctx))
	assert.Equal(t, byte(0x20), d2.Revision())
	assert.Less(t, chip.Writes()-afterFirst, afterFirst, "second path skips the global table")
}

func TestRegistriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	conf := config.DeviceConf{Bus: "sim", Address: 0x68, Path: 1}

	var demods []*Demod
	for _, rev := range []byte{0x30, 0x12} {
		chip := sim.NewChip(sim.Signal{}, rev, DefaultMasterClock)
		d, err := New(NewRegistry(), chip, chip.Tuner(1), conf)
		require.NoError(t, err)
		require.NoError(t, d.Init(ctx))
		demods = append(demods, d)
	}
	assert.NotSame(t, demods[0].shared, demods[1].shared)
	assert.Equal(t, byte(0x30), demods[0].Revision())
	assert.Equal(t, byte(0x12), demods[1].Revision())
}

func TestPinnedRevisionKeepsFirst(t *testing.T) {
	chip := sim.NewChip(sim.Signal{}, 0x30, DefaultMasterClock)
	reg := NewRegistry()

	d1, err := New(reg, chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Path: 1, Revision: 0x20})
	require.NoError(t, err)
	d2, err := New(reg, chip, chip.Tuner(2), config.DeviceConf{Bus: "sim", Path: 2, Revision: 0x30})
	require.NoError(t, err)
	require.NoError(t, d2.Init(context.Background()))
	assert.Equal(t, byte(0x20), d1.Revision())
	assert.Equal(t, byte(0x20), d2.Revision())
}

func TestInitFailureIsIO(t *testing.T) {
	chip := sim.NewChip(sim.Signal{}, 0x30, DefaultMasterClock)
	chip.FailWrite(1)
	d, err := New(NewRegistry(), chip, chip.Tuner(1), config.DeviceConf{Path: 1})
	require.NoError(t, err)

	err = d.Init(context.Background())
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, sim.ErrInjected)
}
