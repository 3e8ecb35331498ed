package tui

import (
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/rivo/tview"
)

type LockTableData struct {
	tview.TableContentReadOnly
}

type AcquisitionTableData struct {
	tview.TableContentReadOnly
}

// PathStats is the latest sample for one demodulator path.
type PathStats struct {
	Path     int
	Status   demod.Status
	CNR      float64
	Strength float64
	Result   *demod.Result
	Err      error
}

var (
	statsMu   sync.Mutex
	pathStats []PathStats
	cnrWarn   = 6.0
	cnrCrit   = 3.0
)

func snapshot() []PathStats {
	statsMu.Lock()
	defer statsMu.Unlock()
	out := make([]PathStats, len(pathStats))
	copy(out, pathStats)
	return out
}

func setStats(idx int, s PathStats) {
	statsMu.Lock()
	defer statsMu.Unlock()
	// keep the last acquisition until a new one is reported
	if s.Result == nil {
		s.Result = pathStats[idx].Result
	}
	pathStats[idx] = s
}

var lockRows = []string{"Path", "Timing lock:", "Carrier lock:", "Demod lock:", "FEC lock:", "TS sync:", "Standard:", "CNR:", "Signal:"}

func (l *LockTableData) GetRowCount() int {
	return len(lockRows)
}

func (l *LockTableData) GetColumnCount() int {
	return 1 + len(snapshot())
}

func flagCell(ok bool) *tview.TableCell {
	color := tcell.ColorGreen
	if !ok {
		color = tcell.ColorRed
	}
	return tview.NewTableCell(fmt.Sprintf("%v ", ok)).SetTextColor(color)
}

func cnrColor(cnr float64) tcell.Color {
	switch {
	case cnr < cnrCrit:
		return tcell.ColorRed
	case cnr < cnrWarn:
		return tcell.ColorYellow
	}
	return tcell.ColorGreen
}

func (l *LockTableData) GetCell(row, column int) *tview.TableCell {
	if column == 0 {
		return tview.NewTableCell("[lightskyblue]" + lockRows[row])
	}
	stats := snapshot()
	if column-1 >= len(stats) {
		return tview.NewTableCell("")
	}
	s := stats[column-1]
	switch row {
	case 0:
		return tview.NewTableCell(fmt.Sprintf("[white]%d ", s.Path))
	case 1:
		return flagCell(s.Status.Timing)
	case 2:
		return flagCell(s.Status.Carrier)
	case 3:
		return flagCell(s.Status.Demod)
	case 4:
		return flagCell(s.Status.FEC)
	case 5:
		return flagCell(s.Status.Sync)
	case 6:
		return tview.NewTableCell(s.Status.Delsys.String() + " ")
	case 7:
		return tview.NewTableCell(fmt.Sprintf("%.1f dB ", s.CNR)).SetTextColor(cnrColor(s.CNR))
	case 8:
		return tview.NewTableCell(fmt.Sprintf("%.1f dBm ", s.Strength))
	}
	return tview.NewTableCell("ERROR")
}

var acquisitionCols = []string{"Path ", "Outcome ", "Frequency ", "Offset ", "Symbol rate ", "Modcod ", "Gain ", "Took "}

func (a *AcquisitionTableData) GetRowCount() int {
	return 1 + len(snapshot())
}

func (a *AcquisitionTableData) GetColumnCount() int {
	return len(acquisitionCols)
}

func (a *AcquisitionTableData) GetCell(row, column int) *tview.TableCell {
	if row == 0 {
		return tview.NewTableCell("[lightskyblue]" + acquisitionCols[column])
	}
	stats := snapshot()
	if row-1 >= len(stats) {
		return tview.NewTableCell("")
	}
	s := stats[row-1]
	if column == 0 {
		return tview.NewTableCell(fmt.Sprintf("[white]%d", s.Path))
	}
	res := s.Result
	if res == nil {
		return tview.NewTableCell("-")
	}
	switch column {
	case 1:
		color := tcell.ColorGreen
		if !res.Locked {
			color = tcell.ColorRed
		}
		return tview.NewTableCell(res.Signal.String()).SetTextColor(color)
	case 2:
		return tview.NewTableCell(fmt.Sprintf("%.3f MHz", float64(res.State.Frequency)/1e6))
	case 3:
		return tview.NewTableCell(fmt.Sprintf("%+.1f kHz", float64(res.Offset)/1e3))
	case 4:
		return tview.NewTableCell(fmt.Sprintf("%.3f Msps", float64(res.State.SymbolRate)/1e6))
	case 5:
		return tview.NewTableCell(res.State.Modcod.String())
	case 6:
		return tview.NewTableCell(fmt.Sprintf("0x%02x", res.State.CarrierGain))
	case 7:
		return tview.NewTableCell(res.Elapsed.Round(1e6).String())
	}
	return tview.NewTableCell("ERROR")
}
