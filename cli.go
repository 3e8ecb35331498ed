package main

type searchFlags struct {
	Frequency  int64  `help:"Carrier frequency at the tuner input, Hz (overrides search.frequency)"`
	SymbolRate int64  `help:"Symbol rate in symbols/s, 0 for a blind search (overrides search.symbol_rate)" default:"-1"`
	Mode       string `help:"Standard to search for: auto, dvbs1, dvbs2, dss"`
	Algorithm  string `help:"Acquisition algorithm: cold, warm, blind"`
}

var cli struct {
	Verbose bool   `help:"Prints debug output by default"`
	Config  string `help:"Config file to use instead of the default locations" type:"path"`
	Probe   struct {
	} `cmd:"" help:"List the available radios and SoapySDR configuration"`
	Tune struct {
		searchFlags
		Monitor bool `help:"Stay attached and show the lock monitor after the search"`
	} `cmd:"" help:"Acquire a carrier on the demodulator described by the config"`
	Simulate struct {
		searchFlags
		Monitor bool `help:"Show the lock monitor against the simulated chip"`
		Both    bool `help:"Search on both paths of the simulated chip at once"`
	} `cmd:"" help:"Run an acquisition against the simulated chip from the sim section"`
	Params struct {
		searchFlags
	} `cmd:"" help:"Print the timing and loop parameters a search would use"`
}
