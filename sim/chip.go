// Package sim is a register-level model of an STV090x and its tuner. It answers the lock
// and readback registers from a configured carrier so acquisitions can run without
// hardware.
package sim

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/stv090x"
)

// ErrInjected is returned by a write chosen to fail with FailWrite.
var ErrInjected = errors.New("injected bus failure")

const (
	defaultCapture = 3_000_000
	defaultNoise   = 0x1000
	// anything further than this from the tuner is outside its passband
	frontEndSpan = 50_000_000
	plhNoise10dB = 7576
	datNoise10dB = 3815
)

type delsys int

const (
	simDVBS2 delsys = iota
	simDVBS1
	simDSS
)

// Signal is the carrier on the simulated dish.
type Signal struct {
	Carrier    int64
	SymbolRate int64
	Modcod     byte
	Pilots     bool
	ShortFrame bool
	Delsys     string
	// LockPolls is how many header polls after a start the demodulator needs to lock.
	// Negative never locks.
	LockPolls int
	// FECPolls is how many FEC polls after demodulator lock the decoder needs. Negative
	// never locks.
	FECPolls int
	Noise    uint16
	Capture  int64
	// NoSignal leaves front-end power but nothing the timing loop can lock to.
	NoSignal bool
}

// SignalFromConfig fills unset fields with defaults.
func SignalFromConfig(c config.SimConf) Signal {
	s := Signal{
		Carrier:    c.Carrier,
		SymbolRate: c.SymbolRate,
		Modcod:     byte(c.Modcod),
		Pilots:     c.Pilots,
		ShortFrame: c.ShortFrame,
		Delsys:     c.Delsys,
		LockPolls:  c.LockPolls,
		FECPolls:   c.FECPolls,
		Noise:      uint16(c.NoiseLevel),
		Capture:    c.CaptureHz,
		NoSignal:   c.NoSignal,
	}
	if s.SymbolRate == 0 {
		s.SymbolRate = 27_500_000
	}
	if s.Modcod == 0 {
		s.Modcod = 7 // QPSK 3/4
	}
	if s.Noise == 0 {
		s.Noise = defaultNoise
	}
	if s.Capture == 0 {
		s.Capture = defaultCapture
	}
	return s
}

func (s Signal) delsys() delsys {
	switch strings.ToLower(s.Delsys) {
	case "dvbs1", "dvb-s":
		return simDVBS1
	case "dss":
		return simDSS
	}
	return simDVBS2
}

type demodState struct {
	running   bool
	polls     int
	locked    bool
	fecPolls  int
	fecLocked bool
}

type tunerState struct {
	freq int64
	bw   int64
	on   bool
	ops  int
}

type path struct {
	demodState
	tuner   tunerState
	lastCmd byte
}

// Chip implements regbus.Bus over a register file.
type Chip struct {
	mu     sync.Mutex
	regs   map[uint16]byte
	paths  [3]path
	sig    Signal
	mclk   int64
	writes int

	failAt       int
	failed       bool
	afterFailure int
	gateFaults   int
}

// NewChip makes a chip of cut rev clocked at mclk, with sig on its input.
func NewChip(sig Signal, rev byte, mclk int64) *Chip {
	c := &Chip{
		regs: make(map[uint16]byte),
		sig:  sig,
		mclk: mclk,
	}
	c.regs[stv090x.MID] = rev
	return c
}

// FailWrite makes the nth write from now fail. Zero disables injection.
func (c *Chip) FailWrite(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		c.failAt = 0
		return
	}
	c.failAt = c.writes + n
	c.failed = false
	c.afterFailure = 0
}

// WritesAfterFailure counts writes attempted after the injected failure.
func (c *Chip) WritesAfterFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.afterFailure
}

func (c *Chip) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// GateFaults counts tuner calls made while the repeater was closed.
func (c *Chip) GateFaults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateFaults
}

// Reg peeks at a register without side effects.
func (c *Chip) Reg(addr uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

// LastCommand is the last value written to DMDISTATE of path n.
func (c *Chip) LastCommand(n int) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[n].lastCmd
}

func (c *Chip) SetSignal(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sig = sig
}

// pathOf splits an address into path number and offset. Path 0 is the global block.
func pathOf(addr uint16) (int, uint16) {
	switch {
	case addr >= stv090x.P1Base && addr < stv090x.P1Base+0x100:
		return 1, addr - stv090x.P1Base
	case addr >= stv090x.P2Base && addr < stv090x.P2Base+0x100:
		return 2, addr - stv090x.P2Base
	}
	return 0, addr
}

func (c *Chip) Write(addr uint16, val byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++
	if c.failed {
		c.afterFailure++
	}
	if c.failAt != 0 && c.writes == c.failAt {
		c.failed = true
		return fmt.Errorf("write %#04x: %w", addr, ErrInjected)
	}

	c.regs[addr] = val
	n, off := pathOf(addr)
	if n == 0 || off != stv090x.DMDISTATE {
		return nil
	}
	p := &c.paths[n]
	p.lastCmd = val
	// every command restarts the search; only the start commands leave it running
	p.demodState = demodState{}
	switch val {
	case stv090x.DmdColdStart, stv090x.DmdWarmStart, stv090x.DmdBlindStart:
		p.running = true
	}
	return nil
}

func (c *Chip) Read(addr uint16) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, off := pathOf(addr)
	if n == 0 {
		return c.regs[addr], nil
	}
	p := &c.paths[n]
	s := c.sig
	offset := s.Carrier - p.tuner.freq

	switch off {
	case stv090x.DMDSTATE:
		if p.running && c.captured(p) && s.LockPolls >= 0 {
			p.polls++
			if p.polls >= s.LockPolls {
				p.locked = true
			}
		}
		if !p.locked {
			return stv090x.HeaderMode.Set(c.regs[addr], stv090x.HeaderSearching), nil
		}
		hdr := byte(stv090x.HeaderDVBS2)
		if s.delsys() != simDVBS2 {
			hdr = stv090x.HeaderDVBS1
		}
		return stv090x.HeaderMode.Set(c.regs[addr], hdr), nil

	case stv090x.DSTATUS:
		var v byte
		if c.captured(p) {
			v = stv090x.TmgQuality.Set(v, 3)
		}
		if p.locked {
			v = stv090x.TimingLocked.Set(v, 1)
			v = stv090x.CarLock.Set(v, 1)
			v = stv090x.LockDefinite.Set(v, 1)
		}
		return v, nil

	case stv090x.DSTATUS2:
		if s.NoSignal {
			v := stv090x.DemodDelock.Set(0, 1)
			return stv090x.CFROverflow.Set(v, 1), nil
		}
		return 0, nil

	case stv090x.DMDFLYW:
		if p.locked && s.delsys() == simDVBS2 {
			return 0x0f, nil
		}
		return 0, nil

	case stv090x.DMDMODCOD:
		ft := byte(0)
		if s.ShortFrame {
			ft |= 2
		}
		if s.Pilots {
			ft |= 1
		}
		return stv090x.Modcod.Set(stv090x.FrameType.Set(0, ft), s.Modcod), nil

	case stv090x.FECM:
		dss := byte(0)
		if s.delsys() == simDSS {
			dss = 1
		}
		return stv090x.DSSDVB.Set(c.regs[addr], dss), nil

	case stv090x.PDELSTAT1, stv090x.VSTATUSVIT:
		c.pollFEC(p)
		f := stv090x.PktDelinLock
		if off == stv090x.VSTATUSVIT {
			f = stv090x.LockedVit
		}
		if p.fecLocked {
			return f.Set(0, 1), nil
		}
		return 0, nil

	case stv090x.TSSTATUS:
		if p.fecLocked {
			return stv090x.TSLineOK.Set(0, 1), nil
		}
		return 0, nil

	case stv090x.AGCIQIN1, stv090x.AGCIQIN0:
		var agc uint16
		if abs(offset) <= frontEndSpan {
			agc = 0x8389
		}
		return half(agc, off == stv090x.AGCIQIN1), nil

	case stv090x.POWERI, stv090x.POWERQ:
		if abs(offset) <= frontEndSpan {
			return 0x60, nil
		}
		return 0, nil

	case stv090x.AGC2I1, stv090x.AGC2I0:
		return half(s.Noise, off == stv090x.AGC2I1), nil

	case stv090x.CFR2, stv090x.CFR1, stv090x.CFR0:
		if !c.captured(p) {
			return 0, nil
		}
		cfr := uint32(offset*(1<<24)/c.mclk) & 0xffffff
		shift := 8 * (2 - int(off-stv090x.CFR2))
		return byte(cfr >> shift), nil

	case stv090x.SFR3, stv090x.SFR2, stv090x.SFR1, stv090x.SFR0:
		if !c.captured(p) || !p.running {
			return 0, nil
		}
		sfr := uint32(uint64(s.SymbolRate) << 32 / uint64(c.mclk))
		shift := 8 * (3 - int(off-stv090x.SFR3))
		return byte(sfr >> shift), nil

	case stv090x.TMGREG2, stv090x.TMGOBS:
		return 0, nil

	case stv090x.NOSPLHT1, stv090x.NOSPLHT0:
		return half(plhNoise10dB, off == stv090x.NOSPLHT1), nil

	case stv090x.NOSDATAT1, stv090x.NOSDATAT0:
		return half(datNoise10dB, off == stv090x.NOSDATAT1), nil
	}
	return c.regs[addr], nil
}

// captured: the carrier is close enough to the tuner for the timing loop to see it.
func (c *Chip) captured(p *path) bool {
	return !c.sig.NoSignal && abs(c.sig.Carrier-p.tuner.freq) <= c.sig.Capture
}

func (c *Chip) pollFEC(p *path) {
	if !p.locked || c.sig.FECPolls < 0 || p.fecLocked {
		return
	}
	p.fecPolls++
	if p.fecPolls >= c.sig.FECPolls {
		p.fecLocked = true
	}
}

func (c *Chip) repeaterOpen(n int) bool {
	addr := uint16(stv090x.I2CRPT1)
	if n == 2 {
		addr = stv090x.I2CRPT2
	}
	return stv090x.I2CRepeater.Get(c.regs[addr]) == 1
}

func half(v uint16, msb bool) byte {
	if msb {
		return byte(v >> 8)
	}
	return byte(v)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
