package acqboard

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parameter names used by the higher-level operations.
const (
	ParamOpMode          = "CONFIG:OP_MODE"
	ParamSamplingRate    = "CONFIG:SAMPLING_RATE"
	ParamTestMode        = "CONFIG:TEST_MODE"
	ParamClockSource     = "CONFIG:CLOCK_SOURCE"
	ParamNbMsample       = "CONFIG:NB_MSAMPLE"
	ParamChanMode        = "CONFIG:CHAN_MODE"
	ParamChanNb          = "CONFIG:CHAN_NB"
	ParamTriggerInvert   = "CONFIG:TRIGGER_INVERT"
	ParamTriggerEdgeEn   = "CONFIG:TRIGGER_EDGE_EN"
	ParamTriggerAwait    = "CONFIG:TRIGGER_AWAIT"
	ParamTriggerCreate   = "CONFIG:TRIGGER_CREATE"
	ParamBoardSerial     = "CONFIG:BOARD_SERIAL"
	ParamBoardStatus     = "STATUS:STATE"
	ParamResultAvailable = "STATUS:RESULT_AVAILABLE"
	ParamConfigOK        = "STATUS:CONFIG_OK"
)

// Operating modes accepted by CONFIG:OP_MODE.
const (
	ModeAcq  = "Acq"
	ModeCorr = "Corr"
	ModeCust = "Cust"
	ModeHist = "Hist"
	ModeNet  = "Net"
	ModeOsc  = "Osc"
	ModeSpec = "Spec"
)

// runCommand starts an acquisition with the current configuration.
const runCommand = "RUN"

// boardLimits holds the bounds that differ between board families.
type boardLimits struct {
	samplingMin, samplingMax float64 // MS/s
	oscTriggerLevel          float64 // symmetric, volts
	netSignalFreqMax         float64 // Hz
}

var limitsByBoard = map[string]boardLimits{
	BoardADC8:  {samplingMin: 1000, samplingMax: 3000, oscTriggerLevel: 0.35, netSignalFreqMax: 375e6},
	BoardADC14: {samplingMin: 20, samplingMax: 400, oscTriggerLevel: 0.375, netSignalFreqMax: 50e6},
}

const (
	minNbMsample = 32
	maxNbMsample = 4294967295
	// maxOscSamples is 8 GiB of samples minus one.
	maxOscSamples   = 8192*1024*1024 - 1
	maxBlockLength  = 4294967296
	maxNbTau        = 50
	maxChannelIndex = 2
)

// Profile returns the parameter table for a board family.
func Profile(boardType string) ([]ParamSpec, error) {
	lim, ok := limitsByBoard[boardType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported board type %q", ErrInvalidValue, boardType)
	}

	return []ParamSpec{
		ReadWrite(ParamOpMode, KindEnum).WithChoices(ModeAcq, ModeCorr, ModeCust, ModeHist, ModeNet, ModeOsc, ModeSpec),
		ReadWrite(ParamSamplingRate, KindFloat).WithRange(lim.samplingMin, lim.samplingMax),
		ReadWrite(ParamTestMode, KindBool),
		ReadWrite(ParamClockSource, KindEnum).WithChoices("Internal", "External", "USB"),
		ReadWrite(ParamNbMsample, KindInt).WithRange(minNbMsample, maxNbMsample),
		ReadWrite(ParamChanMode, KindEnum).WithChoices("Single", "Dual"),
		ReadWrite(ParamChanNb, KindInt).WithRange(1, maxChannelIndex),
		ReadWrite(ParamTriggerInvert, KindBool),
		ReadWrite(ParamTriggerEdgeEn, KindBool),
		ReadWrite(ParamTriggerAwait, KindBool),
		ReadWrite(ParamTriggerCreate, KindBool),

		ReadWrite("CONFIG:OSC_TRIGGER_LEVEL", KindFloat).WithRange(-lim.oscTriggerLevel, lim.oscTriggerLevel),
		ReadWrite("CONFIG:OSC_SLOPE", KindEnum).WithChoices("Rising", "Falling"),
		ReadWrite("CONFIG:OSC_NB_SAMPLE", KindInt).WithRange(1, maxOscSamples),
		ReadWrite("CONFIG:OSC_HORI_OFFSET", KindInt).WithRange(0, maxOscSamples),
		ReadWrite("CONFIG:OSC_TRIG_SOURCE", KindInt).WithRange(1, maxChannelIndex),

		ReadWrite("CONFIG:NET_SIGNAL_FREQ", KindFloat).WithRange(0, lim.netSignalFreqMax),
		ReadWrite("CONFIG:LOCK_IN_SQUARE", KindBool),

		ReadWrite("CONFIG:NB_TAU", KindInt).WithRange(0, maxNbTau),
		ReadWrite("CONFIG:AUTOCORR_MODE", KindBool),
		ReadWrite("CONFIG:CORR_MODE", KindBool),
		ReadWrite("CONFIG:AUTOCORR_SINGLE_CHAN", KindBool),

		ReadWrite("CONFIG:FFT_LENGTH", KindInt),

		ReadWrite("CONFIG:CUST_PARAM1", KindFloat),
		ReadWrite("CONFIG:CUST_PARAM2", KindFloat),
		ReadWrite("CONFIG:CUST_PARAM3", KindFloat),
		ReadWrite("CONFIG:CUST_PARAM4", KindFloat),
		ReadWrite("CONFIG:CUST_USER_LIB", KindString),

		ReadOnly(ParamBoardSerial, KindInt),
		ReadOnly(ParamBoardStatus, KindString),
		ReadOnly(ParamResultAvailable, KindBool),
		{Name: ParamConfigOK, SetCommand: ParamConfigOK, Kind: KindBool},

		ReadWrite("CONFIG:FORMAT:LOCATION", KindEnum).WithChoices(string(LocationLocal), string(LocationRemote)),
		ReadWrite("CONFIG:FORMAT:TYPE", KindEnum).WithChoices("Default", "ASCII", "NPZ"),
		ReadWrite("CONFIG:FORMAT:BLOCK_LENGTH", KindInt).WithRange(1, maxBlockLength),

		ReadOnly("DATA:HIST:M1", KindFloat),
		ReadOnly("DATA:HIST:M2", KindFloat),
		ReadOnly("DATA:HIST:M3", KindFloat),

		ReadOnly("DATA:CUST:RESULT1", KindFloat),
		ReadOnly("DATA:CUST:RESULT2", KindFloat),
		ReadOnly("DATA:CUST:RESULT3", KindFloat),
		ReadOnly("DATA:CUST:RESULT4", KindFloat),
	}, nil
}

// profileFile is the YAML layout of a parameter override file.
type profileFile struct {
	Parameters []ParamSpec `yaml:"parameters"`
}

// LoadProfile reads parameter declarations from a YAML file.
//
// Example:
//
//	parameters:
//	  - name: CONFIG:FFT_LENGTH
//	    get: CONFIG:FFT_LENGTH?
//	    set: CONFIG:FFT_LENGTH
//	    kind: int
//	    min: 16
//	    max: 65536
func LoadProfile(path string) ([]ParamSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes parameter declarations from YAML and validates each.
func ParseProfile(data []byte) ([]ParamSpec, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	for _, spec := range f.Parameters {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Parameters, nil
}

// MergeProfile returns base with overrides applied: entries with a known
// name replace the base declaration, new names are appended.
func MergeProfile(base, overrides []ParamSpec) []ParamSpec {
	out := make([]ParamSpec, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, spec := range out {
		index[spec.Name] = i
	}
	for _, spec := range overrides {
		if i, ok := index[spec.Name]; ok {
			out[i] = spec
			continue
		}
		index[spec.Name] = len(out)
		out = append(out, spec)
	}
	return out
}

// BoardStatus is the state read by Init.
type BoardStatus struct {
	Serial          int64  `json:"serial"`
	State           string `json:"state"`
	ResultAvailable bool   `json:"result_available"`
}

// Init reads the board serial number, program state and result flag.
func (c *Client) Init(ctx context.Context) (*BoardStatus, error) {
	serial, err := c.GetInt(ctx, ParamBoardSerial)
	if err != nil {
		return nil, err
	}
	state, err := c.GetString(ctx, ParamBoardStatus)
	if err != nil {
		return nil, err
	}
	available, err := c.GetBool(ctx, ParamResultAvailable)
	if err != nil {
		return nil, err
	}
	return &BoardStatus{Serial: serial, State: state, ResultAvailable: available}, nil
}

// HistogramSettings configures a histogram acquisition.
type HistogramSettings struct {
	NbMsample    int64   `json:"nb_msample" yaml:"nb_msample"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
	ChanNb       int64   `json:"chan_nb" yaml:"chan_nb"`
	ClockSource  string  `json:"clock_source" yaml:"clock_source"`
}

// ConfigureHistogram switches the board to Hist mode with single-channel,
// untriggered acquisition. Every value is validated before anything is
// written.
func (c *Client) ConfigureHistogram(ctx context.Context, s HistogramSettings) error {
	steps := []struct {
		name  string
		value any
	}{
		{ParamOpMode, ModeHist},
		{ParamSamplingRate, s.SamplingRate},
		{ParamTestMode, false},
		{ParamClockSource, s.ClockSource},
		{ParamNbMsample, s.NbMsample},
		{ParamChanMode, "Single"},
		{ParamChanNb, s.ChanNb},
		{ParamTriggerInvert, false},
		{ParamTriggerEdgeEn, false},
		{ParamTriggerAwait, false},
		{ParamTriggerCreate, false},
	}

	for _, step := range steps {
		p, err := c.registry.Get(step.name)
		if err != nil {
			return err
		}
		if _, err := p.Format(step.value); err != nil {
			return err
		}
	}
	for _, step := range steps {
		if err := c.Set(ctx, step.name, step.value); err != nil {
			return err
		}
	}
	return nil
}

// Run marks the configuration as valid and starts an acquisition.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Set(ctx, ParamConfigOK, true); err != nil {
		return err
	}
	return c.Write(ctx, runCommand)
}

// Identify returns an identification string for the board.
func (c *Client) Identify() string {
	return "Acq card," + c.boardType + ",SERIAL#"
}
