package demod

import (
	"cmp"
	"slices"

	"github.com/jrwynneiii/stvtuner/stv090x"
	"gonum.org/v1/gonum/interp"
)

// Status is a snapshot of the lock indicators of one path.
type Status struct {
	Timing  bool
	Carrier bool
	Demod   bool
	FEC     bool
	Sync    bool
	Delsys  Delsys
}

// Locked is true once the transport stream is flowing.
func (s Status) Locked() bool {
	return s.Demod && s.FEC && s.Sync
}

// ReadStatus samples the lock indicators. It waits for a running Search on the path.
func (d *Demod) ReadStatus() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Status
	st, err := d.read(stv090x.DSTATUS)
	if err != nil {
		return s, err
	}
	s.Timing = stv090x.TimingLocked.Get(st) == 1
	s.Carrier = stv090x.CarLock.Get(st) == 1
	s.Demod = stv090x.LockDefinite.Get(st) == 1
	if s.Delsys, err = d.readDelsys(); err != nil {
		return s, err
	}
	if !s.Demod {
		return s, nil
	}

	var fec byte
	switch s.Delsys {
	case DVBS2:
		fec, err = d.field(stv090x.PDELSTAT1, stv090x.PktDelinLock)
	case DVBS1, DSS:
		fec, err = d.field(stv090x.VSTATUSVIT, stv090x.LockedVit)
	}
	if err != nil {
		return s, err
	}
	s.FEC = fec == 1
	ts, err := d.field(stv090x.TSSTATUS, stv090x.TSLineOK)
	if err != nil {
		return s, err
	}
	s.Sync = ts == 1
	return s, nil
}

// level tables pair a register reading with the quantity it stands for.
type level struct {
	reg   float64
	value float64
}

// AGC1 integrator to input power, dBm.
var rfLevels = []level{
	{0xcaa1, -5}, {0xc229, -10}, {0xbb08, -15}, {0xb4bc, -20}, {0xad5a, -25},
	{0xa298, -30}, {0x98a8, -35}, {0x8389, -40}, {0x59be, -45}, {0x3a14, -50},
	{0x2d11, -55}, {0x210d, -60}, {0x16f4, -65}, {0x0f1e, -70},
}

// DVB-S2 PL header noise to CNR, dB.
var s2CNRLevels = []level{
	{13950, -3.0}, {13480, -2.0}, {12825, -1.0}, {12402, 0.0}, {12076, 1.0},
	{11540, 2.0}, {11195, 3.0}, {10855, 4.0}, {10449, 5.0}, {9838, 6.0},
	{9205, 7.0}, {8616, 8.0}, {8062, 9.0}, {7576, 10.0}, {7047, 11.0},
	{6573, 12.0}, {6042, 13.0}, {5498, 14.0}, {4895, 15.0}, {4378, 16.0},
	{3866, 17.0}, {3375, 18.0}, {2907, 19.0}, {2496, 20.0}, {2087, 21.0},
	{1741, 22.0}, {1460, 23.0}, {1207, 24.0}, {1006, 25.0}, {821, 26.0},
	{678, 27.0}, {560, 28.0}, {459, 29.0}, {380, 30.0},
}

// DVB-S data noise to CNR, dB.
var s1CNRLevels = []level{
	{8917, 0.0}, {8801, 0.5}, {8667, 1.0}, {8522, 1.5}, {8355, 2.0},
	{8175, 2.5}, {7979, 3.0}, {7763, 3.5}, {7530, 4.0}, {7277, 4.5},
	{7012, 5.0}, {6726, 5.5}, {6429, 6.0}, {6121, 6.5}, {5802, 7.0},
	{5478, 7.5}, {5148, 8.0}, {4813, 8.5}, {4476, 9.0}, {4144, 9.5},
	{3815, 10.0}, {3198, 11.0}, {2637, 12.0}, {2145, 13.0}, {1726, 14.0},
	{1383, 15.0}, {1096, 16.0}, {869, 17.0}, {684, 18.0}, {541, 19.0},
	{418, 20.0},
}

// levelTable interpolates linearly between table points and holds the end values
// outside them.
type levelTable struct {
	lo, hi float64
	pl     interp.PiecewiseLinear
}

func newLevelTable(levels []level) *levelTable {
	sorted := slices.Clone(levels)
	slices.SortFunc(sorted, func(a, b level) int { return cmp.Compare(a.reg, b.reg) })
	xs := make([]float64, len(sorted))
	ys := make([]float64, len(sorted))
	for i, l := range sorted {
		xs[i], ys[i] = l.reg, l.value
	}
	t := &levelTable{lo: xs[0], hi: xs[len(xs)-1]}
	if err := t.pl.Fit(xs, ys); err != nil {
		panic(err)
	}
	return t
}

func (t *levelTable) At(reg float64) float64 {
	return t.pl.Predict(min(max(reg, t.lo), t.hi))
}

var (
	rfTable = newLevelTable(rfLevels)
	s2Table = newLevelTable(s2CNRLevels)
	s1Table = newLevelTable(s1CNRLevels)
)

const cnrReads = 16

// SignalStrength is the input power estimated from AGC1, in dBm.
func (d *Demod) SignalStrength() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	agc, err := d.read16(stv090x.AGCIQIN1, stv090x.AGCIQIN0)
	if err != nil {
		return 0, err
	}
	return rfTable.At(float64(agc)), nil
}

// CNR is the carrier to noise ratio in dB. It is 0 while the demodulator is unlocked.
func (d *Demod) CNR() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	locked, err := d.field(stv090x.DSTATUS, stv090x.LockDefinite)
	if err != nil || locked == 0 {
		return 0, err
	}
	delsys, err := d.readDelsys()
	if err != nil {
		return 0, err
	}

	msb, lsb, table := uint16(stv090x.NOSDATAT1), uint16(stv090x.NOSDATAT0), s1Table
	if delsys == DVBS2 {
		msb, lsb, table = stv090x.NOSPLHT1, stv090x.NOSPLHT0, s2Table
	}
	var sum float64
	for range cnrReads {
		v, err := d.read16(msb, lsb)
		if err != nil {
			return 0, err
		}
		sum += float64(v)
	}
	return table.At(sum / float64(cnrReads)), nil
}
