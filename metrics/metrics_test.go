package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/jrwynneiii/stvtuner/sim"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveResult(t *testing.T) {
	m := New(nil)
	m.ObserveResult(1, &demod.Result{
		Signal:  demod.RangeOK,
		Locked:  true,
		Offset:  -120_000,
		State:   demod.State{SymbolRate: 27_500_000},
		Elapsed: 200 * time.Millisecond,
	})
	m.ObserveResult(1, &demod.Result{Signal: demod.NoSignal, CoarseSteps: 5})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("1", "RANGE_OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("1", "NO_SIGNAL")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.locked.WithLabelValues("1")))
	assert.Equal(t, -120_000.0, testutil.ToFloat64(m.offset.WithLabelValues("1")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.coarseSteps.WithLabelValues("1")))
}

func TestObserverCountsPhases(t *testing.T) {
	m := New(nil)
	sig := sim.Signal{
		Carrier: 1_550_000_000, SymbolRate: 27_500_000, Modcod: 7, Pilots: true,
		LockPolls: 2, FECPolls: 1, Noise: 0x1000, Capture: 3_000_000,
	}
	chip := sim.NewChip(sig, 0x30, demod.DefaultMasterClock)
	d, err := demod.New(demod.NewRegistry(), chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Path: 1},
		demod.WithClock(sim.NewClock(false)),
		demod.WithObserver(m.Observer()))
	require.NoError(t, err)
	require.NoError(t, d.Init(context.Background()))

	res, err := d.Search(context.Background(), demod.Params{Frequency: sig.Carrier, SymbolRate: sig.SymbolRate})
	require.NoError(t, err)
	m.ObserveResult(d.Path, res)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("1", "LOCKED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("1", "FEC_LOCK_WAIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.locked.WithLabelValues("1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
