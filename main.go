package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/jrwynneiii/stvtuner/config"
	"github.com/jrwynneiii/stvtuner/demod"
	"github.com/jrwynneiii/stvtuner/metrics"
	"github.com/jrwynneiii/stvtuner/radio"
	"github.com/jrwynneiii/stvtuner/regbus"
	"github.com/jrwynneiii/stvtuner/sim"
	"github.com/jrwynneiii/stvtuner/tui"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/knadh/koanf/parsers/hcl"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var configFile = koanf.New(".")

func getConfigPath() string {
	if cli.Config != "" {
		return cli.Config
	}
	paths := []string{"/etc/stvtuner/config.hcl", "~/.config/stvtuner/config.hcl", "./config.hcl"}
	for _, path := range paths {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			log.Infof("Found config file: %s", path)
			return path
		}
	}
	log.Info("Config file not found!")
	return ""
}

func loadConfig() {
	if err := configFile.Load(file.Provider(getConfigPath()), hcl.Parser(true)); err != nil {
		log.Errorf("Could not read config file: %v", err)
		log.Error("Attempting to use environment variables")
	}
	// Environment variables override the file, STVTUNER_SEARCH_SYMBOL_RATE -> search.symbol_rate
	configFile.Load(env.Provider(".", env.Opt{
		Prefix: "STVTUNER_",
		TransformFunc: func(k, v string) (string, any) {
			key := strings.ToLower(strings.TrimPrefix(k, "STVTUNER_"))
			k = strings.Replace(key, "_", ".", 1)
			log.Debugf("Found config env var: %s=%v", k, v)
			return k, v
		},
	}), nil)
}

func unmarshal(path string, out any) {
	if err := configFile.Unmarshal(path, out); err != nil {
		log.Fatalf("Bad %s section in config: %v", path, err)
	}
}

// setupLogFile tees the log into a rotated file when log.file is set.
func setupLogFile() io.Closer {
	var lc config.LogConf
	unmarshal("log", &lc)
	if lc.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	log.Infof("Logging to %s", lc.File)
	return lj
}

func startMetrics(ctx context.Context) *metrics.Metrics {
	var mc config.MetricsConf
	unmarshal("metrics", &mc)
	m := metrics.New(nil)
	if mc.Listen != "" {
		go func() {
			if err := m.Serve(ctx, mc.Listen); err != nil {
				log.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}
	return m
}

// searchParams merges the search section with flags given on the command line.
func searchParams(f searchFlags) (demod.Params, config.SearchConf) {
	var sc config.SearchConf
	unmarshal("search", &sc)
	if f.Frequency != 0 {
		sc.Frequency = f.Frequency
	}
	if f.SymbolRate >= 0 {
		sc.SymbolRate = f.SymbolRate
	}
	if f.Mode != "" {
		sc.Mode = f.Mode
	}
	if f.Algorithm != "" {
		sc.Algorithm = f.Algorithm
	}

	p := demod.Params{Frequency: sc.Frequency, SymbolRate: sc.SymbolRate}
	var err error
	if sc.Mode != "" {
		if p.Mode, err = demod.ParseSearchMode(sc.Mode); err != nil {
			log.Fatal(err)
		}
	}
	if sc.Algorithm != "" {
		if p.Algorithm, err = demod.ParseAlgorithm(sc.Algorithm); err != nil {
			log.Fatal(err)
		}
	}
	return p, sc
}

func demodOptions(sc config.SearchConf, m *metrics.Metrics) []demod.Option {
	return []demod.Option{
		demod.WithObserver(m.Observer()),
		demod.WithTrackBandwidth(int64(sc.TrackBwGuardHz), int64(sc.TrackBwDivisor)),
	}
}

func logResult(res *demod.Result) {
	if !res.Locked {
		log.Warnf("No lock after %v: %s (phases %v)", res.Elapsed, res.Signal, res.Phases)
		return
	}
	st := res.State
	log.Infof("Locked %s %s, %.3f MHz (offset %+d Hz), %.3f Msps, rolloff %s, pilots %v, gain %#x, took %v",
		st.Delsys, st.Modcod, float64(st.Frequency)/1e6, res.Offset, float64(st.SymbolRate)/1e6,
		st.Rolloff, st.Pilots, st.CarrierGain, res.Elapsed)
}

func search(ctx context.Context, d *demod.Demod, p demod.Params, m *metrics.Metrics) (*demod.Result, error) {
	res, err := d.Search(ctx, p)
	if err != nil {
		return nil, err
	}
	m.ObserveResult(d.Path, res)
	logResult(res)
	return res, nil
}

func monitor(ctx context.Context, paths []*demod.Demod, p demod.Params, m *metrics.Metrics) {
	var tuiDef config.TuiConf
	unmarshal("tui", &tuiDef)
	tui.StartUI(ctx, paths, func(ctx context.Context, d *demod.Demod) (*demod.Result, error) {
		return d.Search(ctx, p)
	}, m, tuiDef)
}

func runTune(ctx context.Context, m *metrics.Metrics) error {
	var dev config.DeviceConf
	var tc config.TunerConf
	unmarshal("device", &dev)
	unmarshal("tuner", &tc)
	p, sc := searchParams(cli.Tune.searchFlags)

	bus, err := regbus.OpenI2C(dev.Bus, uint16(dev.Address))
	if err != nil {
		return err
	}
	defer bus.Close()

	radio.InitSoapySDR()
	tuner := radio.NewSoapyTuner(tc)
	log.Debugf("Tuner %s capabilities: %v", tc.Driver, radio.Caps(tuner))
	defer tuner.Sleep(context.Background())

	d, err := demod.New(demod.NewRegistry(), bus, tuner, dev, demodOptions(sc, m)...)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Init(ctx); err != nil {
		return err
	}

	if cli.Tune.Monitor {
		monitor(ctx, []*demod.Demod{d}, p, m)
		return nil
	}
	_, err = search(ctx, d, p, m)
	return err
}

func runSimulate(ctx context.Context, m *metrics.Metrics) error {
	var dev config.DeviceConf
	var sc config.SimConf
	unmarshal("device", &dev)
	unmarshal("sim", &sc)
	p, searchConf := searchParams(cli.Simulate.searchFlags)

	sig := sim.SignalFromConfig(sc)
	if p.Frequency == 0 {
		p.Frequency = sig.Carrier
	}
	if sig.Carrier == 0 {
		sig.Carrier = p.Frequency
	}
	mclk := dev.MasterHz
	if mclk == 0 {
		mclk = demod.DefaultMasterClock
	}
	rev := byte(dev.Revision)
	if rev == 0 {
		rev = 0x30
	}
	chip := sim.NewChip(sig, rev, mclk)
	log.Infof("Simulating cut %d.%d, carrier %.3f MHz at %.3f Msps", rev>>4, rev&0x0f,
		float64(sig.Carrier)/1e6, float64(sig.SymbolRate)/1e6)

	reg := demod.NewRegistry()
	pathNums := []int{1}
	if cli.Simulate.Both {
		pathNums = []int{1, 2}
	}
	var paths []*demod.Demod
	for _, n := range pathNums {
		conf := dev
		conf.Bus, conf.Path, conf.Revision = "sim", n, 0
		opts := append(demodOptions(searchConf, m), demod.WithClock(sim.NewClock(sc.RealTime || cli.Simulate.Monitor)))
		d, err := demod.New(reg, chip, chip.Tuner(n), conf, opts...)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Init(ctx); err != nil {
			return err
		}
		paths = append(paths, d)
	}

	if cli.Simulate.Monitor {
		monitor(ctx, paths, p, m)
		return nil
	}

	errs := make(chan error, len(paths))
	for _, d := range paths {
		go func() {
			_, err := search(ctx, d, p, m)
			errs <- err
		}()
	}
	var err error
	for range paths {
		err = errors.Join(err, <-errs)
	}
	if chip.GateFaults() != 0 {
		err = errors.Join(err, fmt.Errorf("%d tuner calls with the repeater closed", chip.GateFaults()))
	}
	return err
}

func runParams() {
	var dev config.DeviceConf
	unmarshal("device", &dev)
	p, _ := searchParams(cli.Params.searchFlags)
	mclk := dev.MasterHz
	if mclk == 0 {
		mclk = demod.DefaultMasterClock
	}
	if p.SymbolRate == 0 {
		p.Algorithm = demod.Blind
	}

	st := demod.State{SymbolRate: p.SymbolRate, Mode: p.Mode, Algorithm: p.Algorithm, SearchRange: demod.SearchRange(p.SymbolRate)}
	demodT, fecT := demod.LockTiming(p.SymbolRate, p.Algorithm)
	lp := demod.ComputeLoopParams(p.SymbolRate, st.SearchRange, mclk, p.Mode)
	steps, step := demod.CoarseSearchSteps(st.SearchRange, p.SymbolRate)

	fmt.Printf("symbol rate       %d sym/s (%s, %s)\n", p.SymbolRate, p.Algorithm, p.Mode)
	fmt.Printf("search range      %d Hz\n", st.SearchRange)
	fmt.Printf("demod timeout     %v\n", demodT)
	fmt.Printf("fec timeout       %v\n", fecT)
	fmt.Printf("carrier width     %d Hz (rolloff 0.35)\n", demod.CarrierWidth(p.SymbolRate, demod.Rolloff35))
	fmt.Printf("car max           %d\n", lp.CarMax)
	fmt.Printf("increment         %d\n", lp.Increment)
	fmt.Printf("step timeout      %v\n", lp.StepTimeout)
	fmt.Printf("sweep steps       %d\n", lp.Steps)
	fmt.Printf("blind coarse      %d offsets, %d Hz apart\n", steps, step)
	fmt.Printf("worst case        %v\n", demod.Budget(st, mclk))
}

func main() {
	log.Info("Starting stvtuner")
	flags := kong.Parse(&cli)
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	loadConfig()
	if lj := setupLogFile(); lj != nil {
		defer lj.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch flags.Command() {
	case "probe":
		radio.LogAllSoapySDRDevices()
	case "tune":
		err = runTune(ctx, startMetrics(ctx))
	case "simulate":
		err = runSimulate(ctx, startMetrics(ctx))
	case "params":
		runParams()
	default:
		log.Info("Command not recognized")
	}
	if err != nil {
		log.Fatalf("%s: %v", flags.Command(), err)
	}
}
