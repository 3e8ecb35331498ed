package demod

import (
	"fmt"
	"strings"
	"time"
)

type SearchMode int

const (
	SearchAuto SearchMode = iota
	SearchDVBS1
	SearchDVBS2
	SearchDSS
)

func (m SearchMode) String() string {
	switch m {
	case SearchAuto:
		return "auto"
	case SearchDVBS1:
		return "dvbs1"
	case SearchDVBS2:
		return "dvbs2"
	case SearchDSS:
		return "dss"
	}
	return fmt.Sprintf("SearchMode(%d)", int(m))
}

// Algorithm selects how much prior knowledge an acquisition assumes.
type Algorithm int

const (
	// Cold knows the symbol rate but not the exact carrier.
	Cold Algorithm = iota
	// Warm knows both, the carrier to within about 1 MHz.
	Warm
	// Blind knows neither.
	Blind
)

func (a Algorithm) String() string {
	switch a {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	case Blind:
		return "blind"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

func ParseSearchMode(s string) (SearchMode, error) {
	for m := SearchAuto; m <= SearchDSS; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown search mode %q", ErrConfig, s)
}

func ParseAlgorithm(s string) (Algorithm, error) {
	for a := Cold; a <= Blind; a++ {
		if strings.EqualFold(s, a.String()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrConfig, s)
}

type Delsys int

const (
	DelsysError Delsys = iota
	DVBS1
	DVBS2
	DSS
)

func (d Delsys) String() string {
	switch d {
	case DVBS1:
		return "DVB-S"
	case DVBS2:
		return "DVB-S2"
	case DSS:
		return "DSS"
	}
	return "unknown"
}

// Modcod is the DVB-S2 PL header MODCOD, numbered as the chip reports it.
type Modcod uint8

const (
	DummyPLF Modcod = iota
	QPSK14
	QPSK13
	QPSK25
	QPSK12
	QPSK35
	QPSK23
	QPSK34
	QPSK45
	QPSK56
	QPSK89
	QPSK910
	PSK8_35
	PSK8_23
	PSK8_34
	PSK8_56
	PSK8_89
	PSK8_910
	APSK16_23
	APSK16_34
	APSK16_45
	APSK16_56
	APSK16_89
	APSK16_910
	APSK32_34
	APSK32_45
	APSK32_56
	APSK32_89
	APSK32_910
	ModcodUnknown
)

var modcodNames = [...]string{
	"DUMMY", "QPSK 1/4", "QPSK 1/3", "QPSK 2/5", "QPSK 1/2", "QPSK 3/5", "QPSK 2/3",
	"QPSK 3/4", "QPSK 4/5", "QPSK 5/6", "QPSK 8/9", "QPSK 9/10", "8PSK 3/5", "8PSK 2/3",
	"8PSK 3/4", "8PSK 5/6", "8PSK 8/9", "8PSK 9/10", "16APSK 2/3", "16APSK 3/4",
	"16APSK 4/5", "16APSK 5/6", "16APSK 8/9", "16APSK 9/10", "32APSK 3/4", "32APSK 4/5",
	"32APSK 5/6", "32APSK 8/9", "32APSK 9/10",
}

func (m Modcod) String() string {
	if int(m) < len(modcodNames) {
		return modcodNames[m]
	}
	return "unknown"
}

type Modulation int

const (
	QPSK Modulation = iota
	PSK8
	APSK16
	APSK32
)

func (m Modulation) String() string {
	return [...]string{"QPSK", "8PSK", "16APSK", "32APSK"}[m]
}

// Modulation of a modcod. Dummy and unknown frames count as QPSK and 32APSK.
func (m Modcod) Modulation() Modulation {
	switch {
	case m <= QPSK910:
		return QPSK
	case m <= PSK8_910:
		return PSK8
	case m <= APSK16_910:
		return APSK16
	}
	return APSK32
}

type FrameLen int

const (
	LongFrame FrameLen = iota
	ShortFrame
)

// Rolloff is numbered as TMGOBS reports it.
type Rolloff int

const (
	Rolloff35 Rolloff = iota
	Rolloff25
	Rolloff20
)

// Percent returns the excess bandwidth in percent.
func (r Rolloff) Percent() int64 {
	switch r {
	case Rolloff20:
		return 20
	case Rolloff25:
		return 25
	}
	return 35
}

func (r Rolloff) String() string {
	return fmt.Sprintf("0.%d", r.Percent())
}

// SignalState classifies the outcome of one acquisition.
type SignalState int

const (
	// NoCarrier: the tuner did not lock or the front end sees no power.
	NoCarrier SignalState = iota
	// NoSignal: the demodulator never locked within its budget.
	NoSignal
	// NoData: the demodulator locked but FEC/TS did not.
	NoData
	RangeOK
	// OutOfRange: locked, but further from the requested frequency than tolerated.
	OutOfRange
)

func (s SignalState) String() string {
	switch s {
	case NoCarrier:
		return "NO_CARRIER"
	case NoSignal:
		return "NO_SIGNAL"
	case NoData:
		return "NO_DATA"
	case RangeOK:
		return "RANGE_OK"
	case OutOfRange:
		return "OUT_OF_RANGE"
	}
	return fmt.Sprintf("SignalState(%d)", int(s))
}

// Phase is a step of the acquisition state machine, recorded in Result.Phases.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTuning
	PhaseCoarseSearch
	PhaseBlindRateSearch
	PhaseDemodLockWait
	PhaseZigzagRetry
	PhaseRangeCheck
	PhaseTrackOptimize
	PhaseFECLockWait
	PhaseLocked
	PhaseFailed
)

var phaseNames = [...]string{
	"IDLE", "TUNING", "COARSE_SEARCH", "BLIND_RATE_SEARCH", "DEMOD_LOCK_WAIT",
	"SOFTWARE_ZIGZAG_RETRY", "RANGE_CHECK", "TRACK_OPTIMIZE", "FEC_LOCK_WAIT", "LOCKED",
	"FAILED",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Params is a tuning request.
type Params struct {
	Frequency  int64 // Hz, as seen by the tuner
	SymbolRate int64 // symbols/s, 0 when unknown
	Mode       SearchMode
	Algorithm  Algorithm
}

// State is the receiver context threaded through one acquisition. It is rebuilt for
// every Search.
type State struct {
	Frequency   int64
	SymbolRate  int64
	SearchRange int64
	Mode        SearchMode
	Algorithm   Algorithm

	Delsys    Delsys
	Modcod    Modcod
	Pilots    bool
	FrameLen  FrameLen
	Rolloff   Rolloff
	Inversion bool

	DemodTimeout time.Duration
	FECTimeout   time.Duration
	TunerBW      int64
	CarrierGain  byte
}

// Result is what Search reports back.
type Result struct {
	Signal      SignalState
	Locked      bool
	State       State
	Offset      int64 // locked carrier minus requested frequency, Hz
	Phases      []Phase
	ColdSteps   int // tuner steps taken by the cold zigzag
	CarLoopRuns int // software carrier-loop sweeps
	CoarseSteps int // blind coarse frequency offsets tried
	FineRuns    int // blind fine-phase attempts
	Elapsed     time.Duration
}

// Terminal is the final state machine state of r.
func (r *Result) Terminal() Phase {
	if r.Locked {
		return PhaseLocked
	}
	return PhaseFailed
}

func (r *Result) Visited(p Phase) bool {
	for _, q := range r.Phases {
		if q == p {
			return true
		}
	}
	return false
}
