package regbus

import "fmt"

// Bus is byte-wide register access to a chip with 16-bit register addresses.
type Bus interface {
	Read(addr uint16) (byte, error)
	Write(addr uint16, val byte) error
}

// Field is a bit field inside an 8-bit register.
type Field struct {
	Shift uint8
	Width uint8
}

func (f Field) mask() byte {
	return byte(((1 << f.Width) - 1) << f.Shift)
}

// Get extracts the field from a register value.
func (f Field) Get(reg byte) byte {
	return (reg & f.mask()) >> f.Shift
}

// Set returns reg with the field replaced by val.
func (f Field) Set(reg, val byte) byte {
	return (reg &^ f.mask()) | ((val << f.Shift) & f.mask())
}

func ReadField(b Bus, addr uint16, f Field) (byte, error) {
	reg, err := b.Read(addr)
	if err != nil {
		return 0, err
	}
	return f.Get(reg), nil
}

// WriteField does a read-modify-write of one field.
func WriteField(b Bus, addr uint16, f Field, val byte) error {
	reg, err := b.Read(addr)
	if err != nil {
		return err
	}
	return b.Write(addr, f.Set(reg, val))
}

// Read16 reads a big-endian word from two consecutive registers, msb first.
func Read16(b Bus, msb, lsb uint16) (uint16, error) {
	hi, err := b.Read(msb)
	if err != nil {
		return 0, err
	}
	lo, err := b.Read(lsb)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func Write16(b Bus, msb, lsb uint16, val uint16) error {
	if err := b.Write(msb, byte(val>>8)); err != nil {
		return err
	}
	return b.Write(lsb, byte(val))
}

// Pair is one entry of a register initialisation table.
type Pair struct {
	Addr uint16
	Val  byte
}

// WriteTable writes every pair in order and stops at the first failure.
func WriteTable(b Bus, table []Pair) error {
	for _, p := range table {
		if err := b.Write(p.Addr, p.Val); err != nil {
			return fmt.Errorf("init register %#04x: %w", p.Addr, err)
		}
	}
	return nil
}
