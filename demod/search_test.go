package demod

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/sim"
	"github.com/jrwynneiii/stvtuner/stv090x"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testFreq = 1_550_000_000

type bench struct {
	d     *Demod
	chip  *sim.Chip
	clock *sim.Clock
}

func qpsk34(srate int64) sim.Signal {
	return sim.Signal{
		Carrier:    testFreq,
		SymbolRate: srate,
		Modcod:     byte(QPSK34),
		Pilots:     true,
		LockPolls:  2,
		FECPolls:   1,
		Noise:      0x1000,
		Capture:    3_000_000,
	}
}

func newBench(t require.TestingT, sig sim.Signal, rev byte, opts ...Option) *bench {
	chip := sim.NewChip(sig, rev, DefaultMasterClock)
	clock := sim.NewClock(false)
	opts = append([]Option{WithClock(clock)}, opts...)
	d, err := New(NewRegistry(), chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Address: 0x68, Path: 1}, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Init(context.Background()))
	return &bench{d: d, chip: chip, clock: clock}
}

func TestSearchColdLock(t *testing.T) {
	const freq = 11_700_000_000
	sig := qpsk34(27_500_000)
	sig.Carrier = freq
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: freq, SymbolRate: 27_500_000, Algorithm: Cold})
	require.NoError(t, err)

	assert.True(t, res.Locked)
	assert.Equal(t, RangeOK, res.Signal)
	assert.Equal(t, PhaseLocked, res.Terminal())
	assert.Equal(t, []Phase{
		PhaseIdle, PhaseTuning, PhaseCoarseSearch, PhaseDemodLockWait, PhaseRangeCheck,
		PhaseTrackOptimize, PhaseFECLockWait, PhaseLocked,
	}, res.Phases)
	assert.False(t, res.Visited(PhaseZigzagRetry))
	assert.Zero(t, res.ColdSteps)
	assert.Zero(t, res.CarLoopRuns)

	assert.Equal(t, DVBS2, res.State.Delsys)
	assert.Equal(t, QPSK34, res.State.Modcod)
	assert.True(t, res.State.Pilots)
	assert.Equal(t, LongFrame, res.State.FrameLen)
	assert.Equal(t, int64(freq), res.State.Frequency)
	assert.Zero(t, res.Offset)

	assert.Equal(t, byte(0x0b), res.State.CarrierGain)
	assert.Equal(t, byte(0x0b), b.chip.Reg(stv090x.P1Base+stv090x.ACLC2S2Q))
	_, bw, _ := b.chip.Tuner(1).Settings()
	assert.InDelta(t, 23_562_500, bw, 10)

	assert.LessOrEqual(t, res.Elapsed, Budget(res.State, DefaultMasterClock))
	assert.Zero(t, b.chip.GateFaults())
}

func TestSearchBlindNoSignal(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.NoSignal = true
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq})
	require.NoError(t, err)

	steps, _ := CoarseSearchSteps(SearchRange(0), 0)
	assert.False(t, res.Locked)
	assert.Equal(t, NoSignal, res.Signal)
	assert.Equal(t, Blind, res.State.Algorithm)
	assert.Equal(t, steps, res.CoarseSteps)
	assert.Equal(t, 5, res.CoarseSteps)
	assert.Zero(t, res.FineRuns)
	assert.True(t, res.Visited(PhaseBlindRateSearch))
	assert.Equal(t, PhaseFailed, res.Terminal())
	assert.Equal(t, byte(stv090x.DmdStop), b.chip.LastCommand(1))
}

// A carrier outside every coarse offset sets no overflow flags, and the search still ends
// after one coarse pass.
func TestSearchBlindNoCandidate(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.Carrier = testFreq + 20_000_000
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq})
	require.NoError(t, err)

	steps, _ := CoarseSearchSteps(SearchRange(0), 0)
	assert.False(t, res.Locked)
	assert.Equal(t, NoSignal, res.Signal)
	assert.Equal(t, steps, res.CoarseSteps)
	assert.Zero(t, res.FineRuns)
	assert.False(t, res.Visited(PhaseDemodLockWait))
	assert.Equal(t, byte(stv090x.DmdStop), b.chip.LastCommand(1))
}

func TestSearchWriteFailure(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)
	b.chip.FailWrite(3)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, sim.ErrInjected)
	assert.Zero(t, b.chip.WritesAfterFailure(), "no writes after a failed one")
}

func TestSearchColdZigzag(t *testing.T) {
	sig := qpsk34(5_000_000)
	sig.Carrier = testFreq + 2_000_000
	sig.Capture = 500_000
	sig.LockPolls = 1
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 5_000_000})
	require.NoError(t, err)

	assert.True(t, res.Locked)
	assert.True(t, res.Visited(PhaseZigzagRetry))
	assert.Equal(t, 1, res.ColdSteps)
	assert.Equal(t, int64(2_000_000), res.Offset)
	assert.Equal(t, sig.Carrier, res.State.Frequency)
	assert.Equal(t, byte(0x1d), res.State.CarrierGain)
}

func TestSearchWarm(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000, Algorithm: Warm})
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.False(t, res.Visited(PhaseZigzagRetry))
	assert.Equal(t, byte(stv090x.DmdWarmStart), b.chip.Reg(stv090x.P1Base+stv090x.DMDISTATE))
}

func TestSearchBlindLock(t *testing.T) {
	sig := qpsk34(5_000_000)
	sig.LockPolls = 1
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, Mode: SearchDVBS2})
	require.NoError(t, err)

	assert.True(t, res.Locked)
	assert.Equal(t, Blind, res.State.Algorithm)
	assert.Equal(t, 1, res.CoarseSteps)
	assert.Equal(t, 1, res.FineRuns)
	assert.InDelta(t, 5_000_000, res.State.SymbolRate, 100)
	assert.Equal(t, byte(0x1d), res.State.CarrierGain)
	assert.Equal(t, byte(0x1d), b.chip.Reg(stv090x.P1Base+stv090x.ACLC2S2Q))
}

func TestSearchDVBS1(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.Delsys = "dvbs1"
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000, Mode: SearchDVBS1})
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, DVBS1, res.State.Delsys)
	assert.Equal(t, ModcodUnknown, res.State.Modcod)
	assert.Equal(t, byte(0x75), b.chip.Reg(stv090x.P1Base+stv090x.ERRCTRL1))
}

func TestSearchNoCarrier(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.Carrier = testFreq + 200_000_000
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)
	assert.Equal(t, NoCarrier, res.Signal)
	assert.True(t, res.Visited(PhaseTuning))
	assert.False(t, res.Visited(PhaseCoarseSearch))
	assert.Equal(t, byte(stv090x.DmdStop), b.chip.LastCommand(1))
}

func TestSearchNoData(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.FECPolls = -1
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)
	assert.False(t, res.Locked)
	assert.Equal(t, NoData, res.Signal)
	assert.True(t, res.Visited(PhaseFECLockWait))
}

func TestSearchOutOfRange(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.Carrier = testFreq + 8_000_000
	sig.Capture = 9_000_000
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)
	assert.Equal(t, OutOfRange, res.Signal)
	assert.False(t, res.Locked)
	assert.True(t, res.Visited(PhaseRangeCheck))
	assert.False(t, res.Visited(PhaseTrackOptimize))
}

func TestRangeCheckMargin(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)
	b.d.st = State{SymbolRate: 27_500_000, SearchRange: 10_000_000, Algorithm: Cold, Rolloff: Rolloff35}

	assert.Equal(t, RangeOK, b.d.rangeCheck(5_000_000+400_000))
	assert.Equal(t, RangeOK, b.d.rangeCheck(-5_500_000))
	assert.Equal(t, OutOfRange, b.d.rangeCheck(5_500_001))
}

func TestSearchSoftwareSweep(t *testing.T) {
	sig := qpsk34(27_500_000)
	sig.LockPolls = -1
	b := newBench(t, sig, 0x30)

	res, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
	require.NoError(t, err)
	assert.Equal(t, NoSignal, res.Signal)
	assert.True(t, res.Visited(PhaseZigzagRetry))
	assert.Equal(t, 2, res.CarLoopRuns)
	assert.LessOrEqual(t, res.Elapsed, Budget(res.State, DefaultMasterClock))
}

func TestSearchRejectsBadParams(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)
	writes := b.chip.Writes()

	for _, p := range []Params{
		{Frequency: 0, SymbolRate: 27_500_000},
		{Frequency: testFreq, SymbolRate: -1},
		{Frequency: testFreq, SymbolRate: 500_000},
		{Frequency: testFreq, SymbolRate: 50_000_000},
		{Frequency: testFreq, SymbolRate: 27_500_000, Mode: SearchMode(9)},
		{Frequency: testFreq, SymbolRate: 27_500_000, Algorithm: Algorithm(7)},
	} {
		_, err := b.d.Search(context.Background(), p)
		assert.ErrorIs(t, err, ErrConfig, "%+v", p)
	}
	assert.Equal(t, writes, b.chip.Writes(), "rejected requests must not touch the bus")
}

func TestSearchDSSNeedsCut2(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x12)
	_, err := b.d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 20_000_000, Mode: SearchDSS})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestSearchCancelled(t *testing.T) {
	b := newBench(t, qpsk34(27_500_000), 0x30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.d.Search(ctx, Params{Frequency: testFreq, SymbolRate: 27_500_000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := qpsk34(27_500_000)
	sig.LockPolls = -1

	b := newBench(t, sig, 0x30, WithObserver(func(path int, p Phase) {
		if p == PhaseDemodLockWait {
			cancel()
		}
	}))
	_, err := b.d.Search(ctx, Params{Frequency: testFreq, SymbolRate: 27_500_000})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrIO))
}

// Without a lock every acquisition runs to completion inside its budget, and does the
// same thing every time.
func TestSearchBoundedWithoutLock(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		srate := rapid.Int64Range(MinSymbolRate, MaxSymbolRate).Draw(t, "srate")
		algo := Algorithm(rapid.IntRange(int(Cold), int(Blind)).Draw(t, "algo"))
		mode := SearchMode(rapid.IntRange(int(SearchAuto), int(SearchDVBS2)).Draw(t, "mode"))
		sig := qpsk34(srate)
		sig.LockPolls = -1
		p := Params{Frequency: testFreq, SymbolRate: srate, Mode: mode, Algorithm: algo}

		var runs []*Result
		for range 2 {
			b := newBench(t, sig, 0x30)
			res, err := b.d.Search(context.Background(), p)
			require.NoError(t, err)
			assert.False(t, res.Locked)
			assert.LessOrEqual(t, res.Elapsed, Budget(res.State, DefaultMasterClock))
			assert.Equal(t, byte(stv090x.DmdStop), b.chip.LastCommand(1))
			runs = append(runs, res)
		}
		assert.Equal(t, runs[0], runs[1])
	})
}

func TestSearchWhileSiblingInits(t *testing.T) {
	chip := sim.NewChip(qpsk34(27_500_000), 0x30, DefaultMasterClock)
	reg := NewRegistry()
	ctx := context.Background()

	d1, err := New(reg, chip, chip.Tuner(1), config.DeviceConf{Bus: "sim", Address: 0x68, Path: 1},
		WithClock(sim.NewClock(false)))
	require.NoError(t, err)
	require.NoError(t, d1.Init(ctx))
	d2, err := New(reg, chip, chip.Tuner(2), config.DeviceConf{Bus: "sim", Address: 0x68, Path: 2},
		WithClock(sim.NewClock(false)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d2.Init(ctx))
	}()
	res, err := d1.Search(ctx, Params{Frequency: testFreq, SymbolRate: 27_500_000})
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, byte(0x30), d2.Revision())
	assert.Zero(t, chip.GateFaults())
}

func TestSearchTwoPathsShareGate(t *testing.T) {
	chip := sim.NewChip(qpsk34(27_500_000), 0x30, DefaultMasterClock)
	reg := NewRegistry()

	var demods []*Demod
	for _, n := range []int{1, 2} {
		d, err := New(reg, chip, chip.Tuner(n), config.DeviceConf{Bus: "sim", Address: 0x68, Path: n},
			WithClock(sim.NewClock(false)))
		require.NoError(t, err)
		require.NoError(t, d.Init(context.Background()))
		demods = append(demods, d)
	}
	assert.Equal(t, 2, reg.Users(BusKey{Bus: "sim", Addr: 0x68}))

	var wg sync.WaitGroup
	results := make([]*Result, len(demods))
	for i, d := range demods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Search(context.Background(), Params{Frequency: testFreq, SymbolRate: 27_500_000})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.True(t, res.Locked)
	}
	assert.Zero(t, chip.GateFaults())
	assert.Positive(t, chip.Tuner(2).Ops())
}
