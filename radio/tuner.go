package radio

import "context"

// Tuner is whatever drives the RF front end of a demodulator. A tuner implements any subset
// of the capability interfaces below; callers must type-assert before using one.
type Tuner any

type FrequencySetter interface {
	SetFrequency(ctx context.Context, hz int64) error
}

type FrequencyGetter interface {
	Frequency(ctx context.Context) (int64, error)
}

type BandwidthSetter interface {
	SetBandwidth(ctx context.Context, hz int64) error
}

type BandwidthGetter interface {
	Bandwidth(ctx context.Context) (int64, error)
}

// LockReporter reports whether the tuner PLL is locked.
type LockReporter interface {
	Locked(ctx context.Context) (bool, error)
}

type Initializer interface {
	Init(ctx context.Context) error
}

type Sleeper interface {
	Sleep(ctx context.Context) error
}

// Caps lists which capabilities a tuner has, for logging.
func Caps(t Tuner) []string {
	var caps []string
	if _, ok := t.(FrequencySetter); ok {
		caps = append(caps, "set_frequency")
	}
	if _, ok := t.(FrequencyGetter); ok {
		caps = append(caps, "get_frequency")
	}
	if _, ok := t.(BandwidthSetter); ok {
		caps = append(caps, "set_bandwidth")
	}
	if _, ok := t.(BandwidthGetter); ok {
		caps = append(caps, "get_bandwidth")
	}
	if _, ok := t.(LockReporter); ok {
		caps = append(caps, "get_status")
	}
	if _, ok := t.(Initializer); ok {
		caps = append(caps, "init")
	}
	if _, ok := t.(Sleeper); ok {
		caps = append(caps, "sleep")
	}
	return caps
}
