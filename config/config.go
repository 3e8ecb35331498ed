package config

type DeviceConf struct {
	Bus      string `koanf:"bus"`
	Address  int    `koanf:"address"`
	Path     int    `koanf:"path"`
	MasterHz int64  `koanf:"mclk"`
	Revision int    `koanf:"revision"`
}

type TunerConf struct {
	Driver  string  `koanf:"driver"`
	Address string  `koanf:"address"`
	Channel int     `koanf:"channel"`
	Gain    float64 `koanf:"gain"`
}

type SearchConf struct {
	Frequency  int64  `koanf:"frequency"`
	SymbolRate int64  `koanf:"symbol_rate"`
	Mode       string `koanf:"mode"`
	Algorithm  string `koanf:"algorithm"`
	// Post-lock tuner bandwidth is (occupied bandwidth + guard) / TrackBwDivisor.
	TrackBwDivisor int `koanf:"track_bw_divisor"`
	TrackBwGuardHz int `koanf:"track_bw_guard"`
}

type SimConf struct {
	Carrier    int64  `koanf:"carrier"`
	SymbolRate int64  `koanf:"symbol_rate"`
	Modcod     int    `koanf:"modcod"`
	Pilots     bool   `koanf:"pilots"`
	ShortFrame bool   `koanf:"short_frame"`
	Delsys     string `koanf:"delsys"`
	LockPolls  int    `koanf:"lock_polls"`
	FECPolls   int    `koanf:"fec_polls"`
	NoiseLevel int    `koanf:"noise"`
	CaptureHz  int64  `koanf:"capture"`
	NoSignal   bool   `koanf:"no_signal"`
	RealTime   bool   `koanf:"real_time"`
}

type TuiConf struct {
	RefreshMs       int     `koanf:"refresh_ms"`
	CNRWarnDb       float64 `koanf:"cnr_warn_db"`
	CNRCritDb       float64 `koanf:"cnr_crit_db"`
	EnableLogOutput bool    `koanf:"enable_log_output"`
}

type MetricsConf struct {
	Listen string `koanf:"listen"`
}

type LogConf struct {
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}
