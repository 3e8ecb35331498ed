package sim

import (
	"context"
	"errors"
)

var errRepeaterClosed = errors.New("tuner addressed with the I2C repeater closed")

// Tuner is the tuner behind one path's I2C repeater. Every call fails unless the
// demodulator opened the repeater first.
type Tuner struct {
	chip *Chip
	path int
}

// Tuner returns the tuner wired to demodulator path n.
func (c *Chip) Tuner(n int) *Tuner {
	return &Tuner{chip: c, path: n}
}

func (t *Tuner) state() (*tunerState, error) {
	c := t.chip
	if !c.repeaterOpen(t.path) {
		c.gateFaults++
		return nil, errRepeaterClosed
	}
	ts := &c.paths[t.path].tuner
	ts.ops++
	return ts, nil
}

func (t *Tuner) SetFrequency(ctx context.Context, hz int64) error {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return err
	}
	ts.freq = hz
	return nil
}

func (t *Tuner) Frequency(ctx context.Context) (int64, error) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return 0, err
	}
	return ts.freq, nil
}

func (t *Tuner) SetBandwidth(ctx context.Context, hz int64) error {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return err
	}
	ts.bw = hz
	return nil
}

func (t *Tuner) Bandwidth(ctx context.Context) (int64, error) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return 0, err
	}
	return ts.bw, nil
}

func (t *Tuner) Locked(ctx context.Context) (bool, error) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	if _, err := t.state(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tuner) Init(ctx context.Context) error {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return err
	}
	ts.on = true
	return nil
}

func (t *Tuner) Sleep(ctx context.Context) error {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts, err := t.state()
	if err != nil {
		return err
	}
	ts.on = false
	return nil
}

// Settings reports what the tuner was last programmed to, without going through the gate.
func (t *Tuner) Settings() (freq, bw int64, on bool) {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	ts := t.chip.paths[t.path].tuner
	return ts.freq, ts.bw, ts.on
}

// Ops counts gated tuner calls.
func (t *Tuner) Ops() int {
	t.chip.mu.Lock()
	defer t.chip.mu.Unlock()
	return t.chip.paths[t.path].tuner.ops
}
