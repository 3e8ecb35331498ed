package radio

// #cgo CFLAGS: -g -Wall
// #cgo LDFLAGS: -lSoapySDR
import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/jrwynneiii/stvtuner/config"

	"github.com/pothosware/go-soapy-sdr/pkg/device"
	"github.com/pothosware/go-soapy-sdr/pkg/modules"
	"github.com/pothosware/go-soapy-sdr/pkg/sdrlogger"
	"github.com/pothosware/go-soapy-sdr/pkg/version"
)

// SoapyTuner uses a SoapySDR device as a stand-in RF front end where no STV6110-class
// tuner sits behind the demodulator's I2C repeater. It can move the LO and set the analog
// filter, but reports no PLL status. Its calls go over USB, so the repeater the demodulator
// opens around them carries no traffic.
type SoapyTuner struct {
	Driver  string
	Address string
	Channel uint
	Gain    float64
	//Private:
	mu     sync.Mutex
	args   map[string]string
	device *device.SDRDevice
}

func InitSoapySDR() {
	log.Debugf("Using SoapySDR versions: ABI: %s API: %s Lib: %s", version.GetABIVersion(), version.GetAPIVersion(), version.GetLibVersion())
	log.Debugf("SoapySDR modules root path: %v", modules.GetRootPath())

	searchPaths := modules.ListSearchPaths()
	if len(searchPaths) > 0 {
		for i, searchPath := range searchPaths {
			log.Debugf("Search path #%d: %v", i, searchPath)
		}
	} else {
		log.Debug("Search paths: [none]")
	}
	sdrlogger.SetLogLevel(sdrlogger.Error)
}

func LogAllSoapySDRDevices() {
	log.Infof("Using SoapySDR versions: ABI: %s API: %s Lib: %s", version.GetABIVersion(), version.GetAPIVersion(), version.GetLibVersion())

	modulesFound := modules.ListModules()
	if len(modulesFound) > 0 {
		for _, module := range modulesFound {
			moduleVersion := modules.GetModuleVersion(module)
			if len(moduleVersion) == 0 {
				moduleVersion = "[None]"
			}
			log.Infof("Found SoapySDR module: %v, version: %v", module, moduleVersion)
		}
	} else {
		log.Info("No SoapySDR modules found")
	}

	// rtl-tcp is noisy at info level
	sdrlogger.SetLogLevel(sdrlogger.Error)

	devices := device.Enumerate(nil)
	log.Infof("Found %d devices", len(devices))
	args := make([]map[string]string, len(devices))
	for idx, dev := range devices {
		args[idx] = map[string]string{"driver": dev["driver"]}
	}
	if devs, err := device.MakeList(args); err == nil {
		for idx, dev := range devs {
			log.Infof("Driver: %s", args[idx]["driver"])
			LogTunerRanges(dev)
		}
	} else {
		log.Errorf("SoapySDR could not open devices: %v", err)
	}
}

func LogTunerRanges(dev *device.SDRDevice) {
	numChannels := dev.GetNumChannels(device.DirectionRX)
	for channel := uint(0); channel < numChannels; channel++ {
		log.Infof("Channel %d:", channel)
		log.Infof("\tFrequency: %v Hz", dev.GetFrequency(device.DirectionRX, channel))
		log.Infof("\tBandwidth: %v Hz", dev.GetBandwidth(device.DirectionRX, channel))
	}
}

func NewSoapyTuner(conf config.TunerConf) *SoapyTuner {
	return &SoapyTuner{
		Driver:  conf.Driver,
		Address: conf.Address,
		Channel: uint(conf.Channel),
		Gain:    conf.Gain,
	}
}

// Init opens the device. It is safe to call more than once.
func (t *SoapyTuner) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device != nil {
		return nil
	}
	InitSoapySDR()
	t.args = map[string]string{"driver": t.Driver}
	if t.Driver == "rtltcp" {
		t.args["rtltcp"] = t.Address
	}
	dev, err := device.Make(t.args)
	if err != nil {
		return fmt.Errorf("could not create SoapySDR device %q: %w", t.Driver, err)
	}
	if t.Gain > 0 {
		if err := dev.SetGain(device.DirectionRX, t.Channel, t.Gain); err != nil {
			log.Warnf("Could not set gain on %s: %v", t.Driver, err)
		}
	}
	t.device = dev
	log.Debugf("Initialized tuner device: %v", t.Driver)
	return nil
}

func (t *SoapyTuner) Sleep(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil
	}
	err := t.device.Unmake()
	t.device = nil
	return err
}

func (t *SoapyTuner) dev() (*device.SDRDevice, error) {
	if t.device == nil {
		return nil, fmt.Errorf("tuner %s not initialised", t.Driver)
	}
	return t.device, nil
}

func (t *SoapyTuner) SetFrequency(ctx context.Context, hz int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, err := t.dev()
	if err != nil {
		return err
	}
	log.Debugf("[tuner] Setting frequency to %d", hz)
	return dev.SetFrequency(device.DirectionRX, t.Channel, float64(hz), nil)
}

func (t *SoapyTuner) Frequency(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, err := t.dev()
	if err != nil {
		return 0, err
	}
	return int64(dev.GetFrequency(device.DirectionRX, t.Channel)), nil
}

func (t *SoapyTuner) SetBandwidth(ctx context.Context, hz int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, err := t.dev()
	if err != nil {
		return err
	}
	log.Debugf("[tuner] Setting bandwidth to %d", hz)
	return dev.SetBandwidth(device.DirectionRX, t.Channel, float64(hz))
}

func (t *SoapyTuner) Bandwidth(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, err := t.dev()
	if err != nil {
		return 0, err
	}
	return int64(dev.GetBandwidth(device.DirectionRX, t.Channel)), nil
}
