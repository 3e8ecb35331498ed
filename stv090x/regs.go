// Package stv090x is the register map of the STV0900/STV0903 demodulator family.
package stv090x

import "github.com/jrwynneiii/stvtuner/regbus"

const (
	P1Base = 0xf400
	P2Base = 0xf200
)

// Base returns the register block of demodulator path 1 or 2.
func Base(path int) uint16 {
	if path == 2 {
		return P2Base
	}
	return P1Base
}

// Register offsets inside one demodulator path.
const (
	DMDCFGMD   = 0x14
	DMDISTATE  = 0x16
	DMDTOM     = 0x17
	DEMOD      = 0x18
	DMDSTATE   = 0x1b
	DMDFLYW    = 0x1c
	DSTATUS    = 0x1d
	DSTATUS2   = 0x1e
	CORRELMANT = 0x20
	CORRELABS  = 0x21
	DMDMODCOD  = 0x24
	AGCIQIN1   = 0x2a
	AGCIQIN0   = 0x2b
	AGC2REF    = 0x2d
	POWERI     = 0x30
	POWERQ     = 0x31
	AGC2I1     = 0x36
	AGC2I0     = 0x37
	CARCFG     = 0x38
	ACLC       = 0x39
	BCLC       = 0x3a
	CARFREQ    = 0x3d
	CFRUP1     = 0x42
	CFRUP0     = 0x43
	CFRLOW1    = 0x46
	CFRLOW0    = 0x47
	CFRINIT1   = 0x48
	CFRINIT0   = 0x49
	CFR2       = 0x4c
	CFR1       = 0x4d
	CFR0       = 0x4e
	TMGCFG     = 0x50
	RTC        = 0x51
	RTCS2      = 0x52
	TMGTHRISE  = 0x53
	TMGTHFALL  = 0x54
	KREFTMG    = 0x58
	SFRSTEP    = 0x59
	TMGCFG2    = 0x5a
	SFRINIT1   = 0x5e
	SFRINIT0   = 0x5f
	SFRUP1     = 0x60
	SFRUP0     = 0x61
	SFRLOW1    = 0x62
	SFRLOW0    = 0x63
	SFR3       = 0x64
	SFR2       = 0x65
	SFR1       = 0x66
	SFR0       = 0x67
	TMGREG2    = 0x68
	TMGOBS     = 0x6d
	EQUALCFG   = 0x6f
	NOSDATAT1  = 0x80
	NOSDATAT0  = 0x81
	NOSPLHT1   = 0x84
	NOSPLHT0   = 0x85
	ACLC2S2Q   = 0x97
	ACLC2S28   = 0x98
	ACLC2S216A = 0x99
	ACLC2S232A = 0x9a
	FFECFG     = 0xb8
	VITSCALE   = 0xc0
	VAVSRVIT   = 0xc2
	VSTATUSVIT = 0xc3
	PDELCTRL1  = 0xd0
	PDELCTRL2  = 0xd1
	PDELSTAT1  = 0xd4
	FECM       = 0xe0
	TSCFGH     = 0xe4
	TSSTATUS   = 0xe8
	ERRCTRL1   = 0xf0
	ERRCTRL2   = 0xf2
	FBERCPT4   = 0xf8
)

// Global registers.
const (
	MID      = 0xf100
	I2CRPT1  = 0xf12a
	I2CRPT2  = 0xf12b
	SYNTCTRL = 0xf1b6
)

var (
	DVBS2Enable   = regbus.Field{Shift: 7, Width: 1} // DMDCFGMD
	DVBS1Enable   = regbus.Field{Shift: 6, Width: 1} // DMDCFGMD
	ScanEnable    = regbus.Field{Shift: 4, Width: 1} // DMDCFGMD
	CFRAutoscan   = regbus.Field{Shift: 3, Width: 1} // DMDCFGMD
	ManualRolloff = regbus.Field{Shift: 7, Width: 1} // DEMOD
	SpecInv       = regbus.Field{Shift: 4, Width: 2} // DEMOD
	RolloffCtrl   = regbus.Field{Shift: 0, Width: 2} // DEMOD
	HeaderMode    = regbus.Field{Shift: 5, Width: 2} // DMDSTATE
	FlywheelCpt   = regbus.Field{Shift: 0, Width: 4} // DMDFLYW
	TimingLocked  = regbus.Field{Shift: 7, Width: 1} // DSTATUS
	CarLock       = regbus.Field{Shift: 4, Width: 1} // DSTATUS
	LockDefinite  = regbus.Field{Shift: 3, Width: 1} // DSTATUS
	TmgQuality    = regbus.Field{Shift: 0, Width: 2} // DSTATUS
	DemodDelock   = regbus.Field{Shift: 7, Width: 1} // DSTATUS2
	CFROverflow   = regbus.Field{Shift: 0, Width: 1} // DSTATUS2
	Modcod        = regbus.Field{Shift: 2, Width: 5} // DMDMODCOD
	FrameType     = regbus.Field{Shift: 0, Width: 2} // DMDMODCOD
	RolloffStatus = regbus.Field{Shift: 6, Width: 2} // TMGOBS
	LockedVit     = regbus.Field{Shift: 3, Width: 1} // VSTATUSVIT
	AlgoSwReset   = regbus.Field{Shift: 0, Width: 1} // PDELCTRL1
	ResetUpko     = regbus.Field{Shift: 0, Width: 1} // PDELCTRL2
	PktDelinLock  = regbus.Field{Shift: 1, Width: 1} // PDELSTATUS1
	DSSDVB        = regbus.Field{Shift: 7, Width: 1} // FECM
	DSSSearch     = regbus.Field{Shift: 4, Width: 1} // FECM
	IQInv         = regbus.Field{Shift: 0, Width: 1} // FECM
	RstHware      = regbus.Field{Shift: 0, Width: 1} // TSCFGH
	TSLineOK      = regbus.Field{Shift: 7, Width: 1} // TSSTATUS
	I2CRepeater   = regbus.Field{Shift: 7, Width: 1} // I2CRPTn
	Standby       = regbus.Field{Shift: 7, Width: 1} // SYNTCTRL
)

// DMDISTATE commands.
const (
	DmdStop       = 0x5c
	DmdReset      = 0x1f
	DmdResetBlind = 0x5f
	DmdHold       = 0x1c
	DmdColdStart  = 0x15
	DmdWarmStart  = 0x18
	DmdBlindStart = 0x40
)

// Header modes reported in DMDSTATE.
const (
	HeaderSearching = 0
	HeaderPLHFound  = 1
	HeaderDVBS2     = 2
	HeaderDVBS1     = 3
)

// Path-relative initialisation applied by Init, after the global table.
var PathInit = []regbus.Pair{
	{Addr: DMDISTATE, Val: DmdStop},
	{Addr: TMGCFG, Val: 0xd2},
	{Addr: RTC, Val: 0x88},
	{Addr: RTCS2, Val: 0x68},
	{Addr: CARCFG, Val: 0xc4},
	{Addr: CARFREQ, Val: 0x49},
	{Addr: AGC2REF, Val: 0x38},
	{Addr: CORRELMANT, Val: 0x70},
	{Addr: CORRELABS, Val: 0x9e},
	{Addr: TMGTHRISE, Val: 0xe0},
	{Addr: TMGTHFALL, Val: 0xc0},
	{Addr: SFRSTEP, Val: 0x00},
	{Addr: VITSCALE, Val: 0x82},
	{Addr: VAVSRVIT, Val: 0x00},
	{Addr: EQUALCFG, Val: 0x41},
	{Addr: FFECFG, Val: 0x41},
	{Addr: ERRCTRL1, Val: 0x75},
	{Addr: TSCFGH, Val: 0x01},
}

// GlobalInit is written once per chip, before either path table.
var GlobalInit = []regbus.Pair{
	{Addr: SYNTCTRL, Val: 0x04},
	{Addr: I2CRPT1, Val: 0x38},
	{Addr: I2CRPT2, Val: 0x38},
}
