package demod

import (
	"errors"
	"fmt"
)

var (
	// ErrIO wraps every failed register or tuner transaction. An acquisition that hits it
	// stops without touching the bus again.
	ErrIO = errors.New("i/o error")
	// ErrConfig reports a request that was rejected before any bus traffic.
	ErrConfig = errors.New("invalid configuration")
)

func ioErr(op string, addr uint16, err error) error {
	return fmt.Errorf("%w: %s %#04x: %w", ErrIO, op, addr, err)
}

func tunerErr(op string, err error) error {
	return fmt.Errorf("%w: tuner %s: %w", ErrIO, op, err)
}

func wrapTuner(op string, err error) error {
	if err == nil {
		return nil
	}
	return tunerErr(op, err)
}
