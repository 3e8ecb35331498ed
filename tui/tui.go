package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gdamore/tcell/v2"
	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/jrwynneiii/stvtuner/metrics"
	"github.com/navidys/tvxwidgets"
	"github.com/rivo/tview"
)

// Points of CNR history kept for the plot.
const historyLen = 120

var LogOut *tview.TextView

// Acquire runs the initial search on a path before it is monitored.
type Acquire func(ctx context.Context, d *demod.Demod) (*demod.Result, error)

// Sample reads the lock indicators and signal quality of one path.
func Sample(d *demod.Demod) PathStats {
	s := PathStats{Path: d.Path}
	if s.Status, s.Err = d.ReadStatus(); s.Err != nil {
		return s
	}
	if s.CNR, s.Err = d.CNR(); s.Err != nil {
		return s
	}
	s.Strength, s.Err = d.SignalStrength()
	return s
}

// strengthPercent maps the AGC1 table range, -70 to -5 dBm, onto a gauge.
func strengthPercent(dbm float64) float64 {
	return min(max((dbm+70)/65*100, 0), 100)
}

func StartUI(ctx context.Context, paths []*demod.Demod, acquire Acquire, m *metrics.Metrics, tuiConf config.TuiConf) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if tuiConf.CNRWarnDb != 0 {
		cnrWarn = tuiConf.CNRWarnDb
	}
	if tuiConf.CNRCritDb != 0 {
		cnrCrit = tuiConf.CNRCritDb
	}
	refresh := time.Duration(tuiConf.RefreshMs) * time.Millisecond
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	statsMu.Lock()
	pathStats = make([]PathStats, len(paths))
	for i, d := range paths {
		pathStats[i].Path = d.Path
	}
	statsMu.Unlock()

	app := tview.NewApplication()

	LogOut = tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(true).
		SetWordWrap(true)

	lockTable := tview.NewTable().SetContent(&LockTableData{})
	acqTable := tview.NewTable().SetContent(&AcquisitionTableData{})

	cnrPlot := tvxwidgets.NewPlot()
	cnrPlot.SetLineColor([]tcell.Color{tcell.ColorLightSkyBlue, tcell.ColorOrange})
	cnrPlot.SetMarker(tvxwidgets.PlotMarkerBraille)

	gaugeBox := tview.NewFlex()
	gaugeBox.SetDirection(tview.FlexRow)
	var gauges []*tvxwidgets.UtilModeGauge
	for _, d := range paths {
		g := tvxwidgets.NewUtilModeGauge()
		g.SetLabel(fmt.Sprintf("Path %d signal strength:  ", d.Path))
		g.SetLabelColor(tcell.ColorLightSkyBlue)
		g.SetWarnPercentage(99)
		g.SetCritPercentage(100)
		g.SetEmptyColor(tcell.ColorBlack)
		g.SetBorder(false)
		gaugeBox.AddItem(g, 0, 1, false)
		gauges = append(gauges, g)
	}
	gaugeBox.SetTitle("Signal Strength")
	gaugeBox.SetBorder(true)

	LogOut.SetChangedFunc(func() {
		LogOut.ScrollToEnd()
		app.Draw()
	})

	LogOut.SetBorder(true).SetTitle("Log Output")
	log.SetOutput(LogOut)
	lockTable.SetSelectable(false, false).SetBorder(true).SetTitle("Lock Status")
	acqTable.SetSelectable(false, false).SetBorder(true).SetTitle("Last Acquisition")

	cnrPlot.SetBorder(true)
	cnrPlot.SetTitle("CNR (dB)")

	page := tview.NewFlex().SetDirection(tview.FlexColumn)

	leftCol := tview.NewFlex().SetDirection(tview.FlexRow)
	leftCol.AddItem(lockTable, 0, 3, false)
	leftCol.AddItem(acqTable, 0, 2, false)

	rightCol := tview.NewFlex().SetDirection(tview.FlexRow)
	rightCol.AddItem(gaugeBox, 0, 2, false)
	rightCol.AddItem(cnrPlot, 0, 3, false)
	if tuiConf.EnableLogOutput {
		rightCol.AddItem(LogOut, 0, 3, false)
	}

	page.AddItem(leftCol, 0, 2, false)
	page.AddItem(rightCol, 0, 3, false)

	for i, d := range paths {
		go func() {
			res, err := acquire(ctx, d)
			if err != nil {
				log.Errorf("Path %d acquisition failed: %v", d.Path, err)
				return
			}
			statsMu.Lock()
			pathStats[i].Result = res
			statsMu.Unlock()
			if m != nil {
				m.ObserveResult(d.Path, res)
			}
		}()
	}

	//Update stats
	go func() {
		history := make([][]float64, len(paths))
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			for i, d := range paths {
				s := Sample(d)
				if s.Err != nil {
					log.Warnf("Path %d status: %v", d.Path, s.Err)
				}
				setStats(i, s)
				if m != nil {
					m.ObserveSignal(d.Path, s.Status.Locked(), s.CNR, s.Strength)
				}
				gauges[i].SetValue(strengthPercent(s.Strength))

				history[i] = append(history[i], s.CNR)
				if len(history[i]) > historyLen {
					history[i] = history[i][1:]
				}
			}
			// the plot wants at least two points per line
			if len(history) > 0 && len(history[0]) > 1 {
				cnrPlot.SetData(history)
			}
			app.Draw()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	if err := app.SetRoot(page, true).EnableMouse(true).Run(); err != nil {
		log.Fatalf("Could not start UI: %v", err)
	}
}
