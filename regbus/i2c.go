package regbus

import (
	"fmt"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// I2C talks to a demodulator over a Linux I2C adapter. Register addresses are sent
// msb first, followed by the data byte on writes.
type I2C struct {
	Name string
	Addr uint16

	bus i2c.BusCloser
	dev *i2c.Dev
}

// OpenI2C opens the named adapter ("" picks the first one, "/dev/i2c-1" or "1" work too).
func OpenI2C(name string, addr uint16) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	log.Debugf("[regbus] Opened %s, device address %#02x", b.String(), addr)
	return &I2C{
		Name: name,
		Addr: addr,
		bus:  b,
		dev:  &i2c.Dev{Addr: addr, Bus: b},
	}, nil
}

func (c *I2C) Read(addr uint16) (byte, error) {
	r := make([]byte, 1)
	if err := c.dev.Tx([]byte{byte(addr >> 8), byte(addr)}, r); err != nil {
		return 0, fmt.Errorf("i2c read %#04x: %w", addr, err)
	}
	return r[0], nil
}

func (c *I2C) Write(addr uint16, val byte) error {
	if err := c.dev.Tx([]byte{byte(addr >> 8), byte(addr), val}, nil); err != nil {
		return fmt.Errorf("i2c write %#04x=%#02x: %w", addr, val, err)
	}
	return nil
}

func (c *I2C) Close() error {
	return c.bus.Close()
}
