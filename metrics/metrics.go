// Package metrics exports acquisition outcomes and signal quality to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for every demodulator path in the process. All series
// carry a "path" label.
type Metrics struct {
	searches    *prometheus.CounterVec   // by outcome
	phases      *prometheus.CounterVec   // state machine transitions
	duration    *prometheus.HistogramVec // seconds per acquisition
	locked      *prometheus.GaugeVec
	cnr         *prometheus.GaugeVec // dB
	strength    *prometheus.GaugeVec // dBm
	offset      *prometheus.GaugeVec // Hz
	symbolRate  *prometheus.GaugeVec
	coldSteps   *prometheus.CounterVec
	coarseSteps *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the collectors with reg. A nil reg gets a private registry, which is what
// tests want.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stvtuner_searches_total",
			Help: "Acquisitions by outcome",
		}, []string{"path", "signal"}),
		phases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stvtuner_phase_transitions_total",
			Help: "Acquisition state machine phases entered",
		}, []string{"path", "phase"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stvtuner_search_duration_seconds",
			Help:    "Time spent in one acquisition",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"path"}),
		locked: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stvtuner_locked",
			Help: "1 while the transport stream is locked",
		}, []string{"path"}),
		cnr: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stvtuner_cnr_db",
			Help: "Carrier to noise ratio",
		}, []string{"path"}),
		strength: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stvtuner_signal_strength_dbm",
			Help: "Input power estimated from AGC1",
		}, []string{"path"}),
		offset: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stvtuner_carrier_offset_hz",
			Help: "Locked carrier minus requested frequency",
		}, []string{"path"}),
		symbolRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stvtuner_symbol_rate",
			Help: "Symbol rate of the locked carrier",
		}, []string{"path"}),
		coldSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stvtuner_cold_zigzag_steps_total",
			Help: "Tuner steps taken by the cold-start zigzag",
		}, []string{"path"}),
		coarseSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stvtuner_blind_coarse_steps_total",
			Help: "Frequency offsets tried by the blind coarse search",
		}, []string{"path"}),
	}
}

func label(path int) string {
	return strconv.Itoa(path)
}

// Observer counts phase transitions. Pass it to demod.WithObserver.
func (m *Metrics) Observer() demod.Observer {
	return func(path int, p demod.Phase) {
		m.phases.WithLabelValues(label(path), p.String()).Inc()
	}
}

// ObserveResult records a finished acquisition.
func (m *Metrics) ObserveResult(path int, res *demod.Result) {
	l := label(path)
	m.searches.WithLabelValues(l, res.Signal.String()).Inc()
	m.duration.WithLabelValues(l).Observe(res.Elapsed.Seconds())
	m.coldSteps.WithLabelValues(l).Add(float64(res.ColdSteps))
	m.coarseSteps.WithLabelValues(l).Add(float64(res.CoarseSteps))
	if res.Locked {
		m.locked.WithLabelValues(l).Set(1)
		m.offset.WithLabelValues(l).Set(float64(res.Offset))
		m.symbolRate.WithLabelValues(l).Set(float64(res.State.SymbolRate))
	} else {
		m.locked.WithLabelValues(l).Set(0)
	}
}

// ObserveSignal records a signal quality sample.
func (m *Metrics) ObserveSignal(path int, locked bool, cnr, dbm float64) {
	l := label(path)
	if locked {
		m.locked.WithLabelValues(l).Set(1)
	} else {
		m.locked.WithLabelValues(l).Set(0)
	}
	m.cnr.WithLabelValues(l).Set(cnr)
	m.strength.WithLabelValues(l).Set(dbm)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
