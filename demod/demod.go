// Package demod drives one demodulator path of an STV0900/STV0903 through carrier
// acquisition and tracking.
package demod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/radio"
	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// DefaultMasterClock is the demodulator master clock when the config leaves it unset.
const DefaultMasterClock = 135_000_000

// Clock sleeps and tells time. Acquisition never calls time.Sleep directly, so a
// simulated chip can run it on virtual time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observer is told about every phase change, for metrics and the monitor.
type Observer func(path int, p Phase)

type Demod struct {
	Path int
	Key  BusKey

	bus    regbus.Bus
	tuner  radio.Tuner
	base   uint16
	mclk   int64
	shared *Shared
	reg    *Registry
	clock  Clock
	log    *log.Logger
	notify Observer

	trackGuard   int64
	trackDivisor int64
	revision     byte

	// mu serialises Search and status reads on this path.
	mu     sync.Mutex
	asleep bool
	st     State
	res    *Result
}

type Option func(*Demod)

func WithClock(c Clock) Option {
	return func(d *Demod) { d.clock = c }
}

func WithLogger(l *log.Logger) Option {
	return func(d *Demod) { d.log = l }
}

func WithObserver(o Observer) Option {
	return func(d *Demod) { d.notify = o }
}

// WithTrackBandwidth sets the post-lock tuner bandwidth to (occupied + guard) / divisor.
func WithTrackBandwidth(guard int64, divisor int64) Option {
	return func(d *Demod) {
		if guard > 0 {
			d.trackGuard = guard
		}
		if divisor > 0 {
			d.trackDivisor = divisor
		}
	}
}

// New binds demodulator path conf.Path of the chip on bus to a tuner. Paths created with
// the same reg and bus key share one chip record. Nothing is written to the chip until
// Init or Search.
func New(reg *Registry, bus regbus.Bus, tuner radio.Tuner, conf config.DeviceConf, opts ...Option) (*Demod, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: no registry", ErrConfig)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: no register bus", ErrConfig)
	}
	if conf.Path != 1 && conf.Path != 2 {
		return nil, fmt.Errorf("%w: demodulator path must be 1 or 2, got %d", ErrConfig, conf.Path)
	}
	mclk := conf.MasterHz
	if mclk == 0 {
		mclk = DefaultMasterClock
	}
	if mclk < 1_000_000 {
		return nil, fmt.Errorf("%w: master clock %d Hz too low", ErrConfig, mclk)
	}

	d := &Demod{
		Path:         conf.Path,
		Key:          BusKey{Bus: conf.Bus, Addr: uint16(conf.Address)},
		bus:          bus,
		tuner:        tuner,
		base:         stv090x.Base(conf.Path),
		mclk:         mclk,
		reg:          reg,
		clock:        realClock{},
		trackGuard:   trackGuardHz,
		trackDivisor: 2,
		revision:     byte(conf.Revision),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = log.WithPrefix(fmt.Sprintf("stv090x %s/p%d", d.Key, d.Path))
	}
	d.shared = d.reg.Attach(d.Key)
	d.shared.pinRevision(d.revision)
	return d, nil
}

// Close detaches the path from its chip record.
func (d *Demod) Close() error {
	d.reg.Detach(d.Key)
	return nil
}

// Revision is the chip cut, 0x20 for cut 2.0 and so on. It is 0 until Init has read it
// unless the config pinned it.
func (d *Demod) Revision() byte {
	return d.shared.Revision()
}

func (d *Demod) MasterClock() int64 {
	return d.mclk
}

// Init brings the chip and this path to a known idle state. The global table is written
// once per chip, whichever path gets there first.
func (d *Demod) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.shared.gate.Lock()
	if !d.shared.initDone {
		if err := regbus.WriteTable(d.bus, stv090x.GlobalInit); err != nil {
			d.shared.gate.Unlock()
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if d.shared.Revision() == 0 {
			mid, err := d.bus.Read(stv090x.MID)
			if err != nil {
				d.shared.gate.Unlock()
				return ioErr("read", stv090x.MID, err)
			}
			d.shared.pinRevision(mid)
		}
		d.shared.initDone = true
		rev := d.shared.Revision()
		d.log.Infof("Found STV090x cut %d.%d", rev>>4, rev&0x0f)
	}
	d.shared.gate.Unlock()

	for _, p := range stv090x.PathInit {
		if err := d.write(p.Addr, p.Val); err != nil {
			return err
		}
	}
	if i, ok := d.tuner.(radio.Initializer); ok {
		if err := d.withTuner(func() error { return wrapTuner("init", i.Init(ctx)) }); err != nil {
			return err
		}
	}
	d.asleep = false
	return nil
}

// Standby stops the path and sends the tuner to sleep.
func (d *Demod) Standby(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.write(stv090x.DMDISTATE, stv090x.DmdStop); err != nil {
		return err
	}
	if s, ok := d.tuner.(radio.Sleeper); ok {
		if err := d.withTuner(func() error { return wrapTuner("sleep", s.Sleep(ctx)) }); err != nil {
			return err
		}
	}
	// The synthesiser feeds both paths and only stops once neither needs it.
	users := d.reg.Users(d.Key)
	d.shared.gate.Lock()
	d.shared.asleep[d.Path] = true
	all := len(d.shared.asleep) >= users
	d.shared.gate.Unlock()
	if all {
		if err := d.setGlobalField(stv090x.SYNTCTRL, stv090x.Standby, 1); err != nil {
			return err
		}
	}
	d.asleep = true
	d.log.Debug("Path in standby")
	return nil
}

// Wakeup undoes Standby. The path is left stopped until the next Search.
func (d *Demod) Wakeup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.shared.gate.Lock()
	delete(d.shared.asleep, d.Path)
	d.shared.gate.Unlock()
	if err := d.setGlobalField(stv090x.SYNTCTRL, stv090x.Standby, 0); err != nil {
		return err
	}
	if i, ok := d.tuner.(radio.Initializer); ok {
		if err := d.withTuner(func() error { return wrapTuner("init", i.Init(ctx)) }); err != nil {
			return err
		}
	}
	d.asleep = false
	return d.write(stv090x.DMDISTATE, stv090x.DmdStop)
}

func (d *Demod) Asleep() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asleep
}

func (d *Demod) addr(off uint16) uint16 {
	return d.base + off
}

func (d *Demod) read(off uint16) (byte, error) {
	v, err := d.bus.Read(d.addr(off))
	if err != nil {
		return 0, ioErr("read", d.addr(off), err)
	}
	return v, nil
}

func (d *Demod) write(off uint16, val byte) error {
	if err := d.bus.Write(d.addr(off), val); err != nil {
		return ioErr("write", d.addr(off), err)
	}
	return nil
}

// writes writes path registers in order and stops at the first failure.
func (d *Demod) writes(pairs ...regbus.Pair) error {
	for _, p := range pairs {
		if err := d.write(p.Addr, p.Val); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demod) field(off uint16, f regbus.Field) (byte, error) {
	v, err := d.read(off)
	if err != nil {
		return 0, err
	}
	return f.Get(v), nil
}

func (d *Demod) setField(off uint16, f regbus.Field, val byte) error {
	v, err := d.read(off)
	if err != nil {
		return err
	}
	return d.write(off, f.Set(v, val))
}

// setFields changes several fields of one register with a single write.
func (d *Demod) setFields(off uint16, fv ...fieldVal) error {
	v, err := d.read(off)
	if err != nil {
		return err
	}
	for _, x := range fv {
		v = x.f.Set(v, x.v)
	}
	return d.write(off, v)
}

type fieldVal struct {
	f regbus.Field
	v byte
}

func (d *Demod) read16(msb, lsb uint16) (uint16, error) {
	v, err := regbus.Read16(d.bus, d.addr(msb), d.addr(lsb))
	if err != nil {
		return 0, ioErr("read", d.addr(msb), err)
	}
	return v, nil
}

func (d *Demod) write16(msb, lsb uint16, val uint16) error {
	if err := regbus.Write16(d.bus, d.addr(msb), d.addr(lsb), val); err != nil {
		return ioErr("write", d.addr(msb), err)
	}
	return nil
}

func (d *Demod) setGlobalField(addr uint16, f regbus.Field, val byte) error {
	if err := regbus.WriteField(d.bus, addr, f, val); err != nil {
		return ioErr("write", addr, err)
	}
	return nil
}

func (d *Demod) repeaterReg() uint16 {
	if d.Path == 2 {
		return stv090x.I2CRPT2
	}
	return stv090x.I2CRPT1
}

// withTuner opens the I2C repeater to the tuner for the duration of fn. The repeater is
// shared by both paths of a chip, so the gate is held throughout.
func (d *Demod) withTuner(fn func() error) error {
	d.shared.gate.Lock()
	defer d.shared.gate.Unlock()

	if err := d.setGlobalField(d.repeaterReg(), stv090x.I2CRepeater, 1); err != nil {
		return err
	}
	ferr := fn()
	if err := d.setGlobalField(d.repeaterReg(), stv090x.I2CRepeater, 0); err != nil && ferr == nil {
		return err
	}
	return ferr
}

func (d *Demod) tune(ctx context.Context, freq, bw int64) error {
	return d.withTuner(func() error {
		if t, ok := d.tuner.(radio.FrequencySetter); ok {
			if err := t.SetFrequency(ctx, freq); err != nil {
				return tunerErr("set frequency", err)
			}
		}
		if t, ok := d.tuner.(radio.BandwidthSetter); ok {
			if err := t.SetBandwidth(ctx, bw); err != nil {
				return tunerErr("set bandwidth", err)
			}
		}
		return nil
	})
}

func (d *Demod) setTunerBandwidth(ctx context.Context, bw int64) error {
	t, ok := d.tuner.(radio.BandwidthSetter)
	if !ok {
		return nil
	}
	return d.withTuner(func() error {
		if err := t.SetBandwidth(ctx, bw); err != nil {
			return tunerErr("set bandwidth", err)
		}
		return nil
	})
}

// tunerLocked reports the tuner PLL. A tuner that cannot tell counts as locked.
func (d *Demod) tunerLocked(ctx context.Context) (bool, error) {
	t, ok := d.tuner.(radio.LockReporter)
	if !ok {
		return true, nil
	}
	var locked bool
	err := d.withTuner(func() error {
		var err error
		if locked, err = t.Locked(ctx); err != nil {
			return tunerErr("status", err)
		}
		return nil
	})
	return locked, err
}

// tunerFrequency is where the tuner actually sits, or fallback when it cannot say.
func (d *Demod) tunerFrequency(ctx context.Context, fallback int64) (int64, error) {
	t, ok := d.tuner.(radio.FrequencyGetter)
	if !ok {
		return fallback, nil
	}
	freq := fallback
	err := d.withTuner(func() error {
		var err error
		if freq, err = t.Frequency(ctx); err != nil {
			return tunerErr("get frequency", err)
		}
		return nil
	})
	return freq, err
}

func (d *Demod) sleep(ctx context.Context, dur time.Duration) error {
	if err := d.clock.Sleep(ctx, dur); err != nil {
		return fmt.Errorf("acquisition cancelled: %w", err)
	}
	return nil
}

// poll runs check every step until it reports true or budget has passed.
func (d *Demod) poll(ctx context.Context, budget, step time.Duration, check func() (bool, error)) (bool, error) {
	for elapsed := time.Duration(0); ; {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("acquisition cancelled: %w", err)
		}
		ok, err := check()
		if err != nil || ok {
			return ok, err
		}
		elapsed += step
		if elapsed >= budget {
			return false, nil
		}
		if err := d.sleep(ctx, step); err != nil {
			return false, err
		}
	}
}

func (d *Demod) enter(p Phase) {
	if d.res != nil {
		if n := len(d.res.Phases); n == 0 || d.res.Phases[n-1] != p {
			d.res.Phases = append(d.res.Phases, p)
		}
	}
	d.log.Debugf("Entering %s", p)
	if d.notify != nil {
		d.notify(d.Path, p)
	}
}
