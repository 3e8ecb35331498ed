package tui

import (
	"context"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/jrwynneiii/stvtuner/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockedPath(t *testing.T) (*demod.Demod, *demod.Result) {
	sig := sim.Signal{
		Carrier: 1_550_000_000, SymbolRate: 27_500_000, Modcod: 7, Pilots: true,
		LockPolls: 2, FECPolls: 1, Noise: 0x1000, Capture: 3_000_000,
	}
	chip := sim.NewChip(sig, 0x30, demod.DefaultMasterClock)
	d, err := demod.New(demod.NewRegistry(), chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Path: 1},
		demod.WithClock(sim.NewClock(false)))
	require.NoError(t, err)
	require.NoError(t, d.Init(context.Background()))
	res, err := d.Search(context.Background(), demod.Params{Frequency: sig.Carrier, SymbolRate: sig.SymbolRate})
	require.NoError(t, err)
	return d, res
}

func TestSample(t *testing.T) {
	d, _ := lockedPath(t)
	s := Sample(d)
	require.NoError(t, s.Err)
	assert.Equal(t, 1, s.Path)
	assert.True(t, s.Status.Locked())
	assert.InDelta(t, 10.0, s.CNR, 0.01)
	assert.InDelta(t, -40.0, s.Strength, 0.01)
}

func TestTables(t *testing.T) {
	d, res := lockedPath(t)
	statsMu.Lock()
	pathStats = make([]PathStats, 1)
	statsMu.Unlock()
	t.Cleanup(func() { pathStats = nil })

	s := Sample(d)
	s.Result = res
	setStats(0, s)
	// a later sample without a result keeps the acquisition
	setStats(0, Sample(d))

	lock := &LockTableData{}
	assert.Equal(t, 2, lock.GetColumnCount())
	assert.Equal(t, "true ", lock.GetCell(4, 1).Text)
	assert.Equal(t, "DVB-S2 ", lock.GetCell(6, 1).Text)

	acq := &AcquisitionTableData{}
	assert.Equal(t, 2, acq.GetRowCount())
	assert.Equal(t, "RANGE_OK", acq.GetCell(1, 1).Text)
	assert.Equal(t, "1550.000 MHz", acq.GetCell(1, 2).Text)
	assert.Equal(t, "QPSK 3/4", acq.GetCell(1, 5).Text)
	assert.Equal(t, "0x0b", acq.GetCell(1, 6).Text)
}

func TestCNRColor(t *testing.T) {
	assert.Equal(t, tcell.ColorRed, cnrColor(1))
	assert.Equal(t, tcell.ColorYellow, cnrColor(4))
	assert.Equal(t, tcell.ColorGreen, cnrColor(12))
}

func TestStrengthPercent(t *testing.T) {
	assert.Zero(t, strengthPercent(-90))
	assert.Equal(t, 100.0, strengthPercent(0))
	assert.InDelta(t, 50.0, strengthPercent(-37.5), 1e-9)
}
