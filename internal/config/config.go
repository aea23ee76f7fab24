// Package config carries the file-backed configuration of the instrument
// daemon: the serial link, dispatch behavior, calibration and measurement
// parameters, the channel bench, and the ambient services. Missing files
// and missing fields fall back to instrument defaults, so a partial config
// is always safe.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spectra-data/aquascan/internal/calib"
	"github.com/spectra-data/aquascan/internal/device"
	"github.com/spectra-data/aquascan/internal/dispatch"
	"github.com/spectra-data/aquascan/internal/serialport"
)

// Duration is a time.Duration that reads and writes as a YAML string like
// "500ms" or "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler. Only duration strings are
// accepted; a bare number has no obvious unit and is refused.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\" (line %d)", value.Line)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root of the daemon configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Link        LinkConfig        `yaml:"link"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Channels    []device.Channel  `yaml:"channels"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Database    DatabaseConfig    `yaml:"database"`
}

// SerialConfig names the port and its line parameters.
type SerialConfig struct {
	Port string `yaml:"port"`
	// UseTwin swaps the physical port for the built-in instrument twin,
	// same as the -dev flag.
	UseTwin            bool `yaml:"use_twin"`
	serialport.Options `yaml:",inline"`
}

// LinkConfig tunes the command dispatcher.
type LinkConfig struct {
	Timeout        Duration `yaml:"timeout"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffFactor  int      `yaml:"backoff_factor"`
	PerReadTimeout Duration `yaml:"per_read_timeout"`
	ReadInterval   Duration `yaml:"read_interval"`
	IdleThreshold  int      `yaml:"idle_threshold"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	CommandDelay   Duration `yaml:"command_delay"`
	// PerformHandshake probes for the instrument before the first pass.
	// Off, the daemon trusts that whatever answers the port is ours.
	PerformHandshake bool     `yaml:"perform_handshake"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	// Policy is what to do when a command stays unanswered:
	// "retry", "continue" or "stop".
	Policy  string `yaml:"policy"`
	LogSize int    `yaml:"log_size"`
}

// DispatchOptions maps the section onto dispatcher options.
func (l LinkConfig) DispatchOptions() (dispatch.Options, error) {
	policy, err := dispatch.ParsePolicy(l.Policy)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{
		Timeout:        l.Timeout.Std(),
		MaxAttempts:    l.MaxAttempts,
		BackoffFactor:  l.BackoffFactor,
		PerReadTimeout: l.PerReadTimeout.Std(),
		ReadInterval:   l.ReadInterval.Std(),
		IdleThreshold:  l.IdleThreshold,
		ReconnectDelay: l.ReconnectDelay.Std(),
		CommandDelay:   l.CommandDelay.Std(),
		Policy:         policy,
		LogSize:        l.LogSize,
	}, nil
}

// CalibrationConfig tunes the per-channel DAC search.
type CalibrationConfig struct {
	// Target is the common ADC amplitude every enabled channel is driven
	// onto during a calibration pass.
	Target    int `yaml:"target"`
	Tolerance int `yaml:"tolerance"`
	MaxDAC    int `yaml:"max_dac"`
	MaxCycles int `yaml:"max_cycles"`
	FineSpan  int `yaml:"fine_span"`
}

// Options maps the section onto calibration engine options.
func (c CalibrationConfig) Options() calib.Options {
	return calib.Options{
		Tolerance: c.Tolerance,
		MaxDAC:    c.MaxDAC,
		MaxCycles: c.MaxCycles,
		FineSpan:  c.FineSpan,
	}
}

// MeasurementConfig shapes the sample passes the daemon runs after its
// reference pass.
type MeasurementConfig struct {
	Label      string   `yaml:"label"`
	Iterations int      `yaml:"iterations"`
	Passes     int      `yaml:"passes"`
	Interval   Duration `yaml:"interval"`
}

// LogConfig picks level, format and an optional log file.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Listen          string   `yaml:"listen"`
	RuntimeInterval Duration `yaml:"runtime_interval"`
}

// DatabaseConfig names the sqlite archive.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// LogCommands archives the dispatcher diagnostic log on shutdown.
	LogCommands bool `yaml:"log_commands"`
}

// Default returns the stock configuration for a freshly connected
// instrument.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/ttyACM0",
			Options: serialport.Options{
				BaudRate: 115200,
				DataBits: 8,
				StopBits: 1,
				Parity:   "none",
			},
		},
		Link: LinkConfig{
			Timeout:          Duration(30 * time.Second),
			MaxAttempts:      3,
			BackoffFactor:    4,
			PerReadTimeout:   Duration(100 * time.Millisecond),
			IdleThreshold:    3,
			ReconnectDelay:   Duration(time.Second),
			CommandDelay:     Duration(50 * time.Millisecond),
			PerformHandshake: true,
			HandshakeTimeout: Duration(2 * time.Second),
			Policy:           "continue",
			LogSize:          256,
		},
		Calibration: CalibrationConfig{
			Target:    3000,
			Tolerance: 4,
			MaxDAC:    3520,
			MaxCycles: 50,
			FineSpan:  5,
		},
		Measurement: MeasurementConfig{
			Label:      "MEAS",
			Iterations: 5,
			Passes:     1,
		},
		Channels: device.DefaultChannels(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Listen:          ":9090",
			RuntimeInterval: Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Path:        "aquascan.db",
			LogCommands: true,
		},
	}
}

// Load reads a YAML config file. A missing file yields the defaults;
// fields the file omits keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ensureDefaults backfills anything a partial file left unset.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}

	if c.Link.Timeout <= 0 {
		c.Link.Timeout = def.Link.Timeout
	}
	if c.Link.MaxAttempts <= 0 {
		c.Link.MaxAttempts = def.Link.MaxAttempts
	}
	if c.Link.BackoffFactor <= 0 {
		c.Link.BackoffFactor = def.Link.BackoffFactor
	}
	if c.Link.PerReadTimeout <= 0 {
		c.Link.PerReadTimeout = def.Link.PerReadTimeout
	}
	if c.Link.IdleThreshold <= 0 {
		c.Link.IdleThreshold = def.Link.IdleThreshold
	}
	if c.Link.HandshakeTimeout <= 0 {
		c.Link.HandshakeTimeout = def.Link.HandshakeTimeout
	}
	if c.Link.Policy == "" {
		c.Link.Policy = def.Link.Policy
	}
	if c.Link.LogSize <= 0 {
		c.Link.LogSize = def.Link.LogSize
	}

	if c.Calibration.Target <= 0 {
		c.Calibration.Target = def.Calibration.Target
	}
	if c.Calibration.Tolerance <= 0 {
		c.Calibration.Tolerance = def.Calibration.Tolerance
	}
	if c.Calibration.MaxDAC <= 0 {
		c.Calibration.MaxDAC = def.Calibration.MaxDAC
	}
	if c.Calibration.MaxCycles <= 0 {
		c.Calibration.MaxCycles = def.Calibration.MaxCycles
	}
	if c.Calibration.FineSpan <= 0 {
		c.Calibration.FineSpan = def.Calibration.FineSpan
	}

	if c.Measurement.Label == "" {
		c.Measurement.Label = def.Measurement.Label
	}
	if c.Measurement.Iterations <= 0 {
		c.Measurement.Iterations = def.Measurement.Iterations
	}
	if c.Measurement.Passes <= 0 {
		c.Measurement.Passes = def.Measurement.Passes
	}

	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}
	c.backfillChannels()

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
	if c.Metrics.RuntimeInterval <= 0 {
		c.Metrics.RuntimeInterval = def.Metrics.RuntimeInterval
	}

	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
}

// backfillChannels completes sparse channel entries, so a file can list
// just index, order and enabled and inherit the stock wavelength and
// timing words.
func (c *Config) backfillChannels() {
	stock := device.DefaultChannels()
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Index < 0 || ch.Index >= len(stock) {
			continue // Validate reports it
		}
		def := stock[ch.Index]
		if ch.Wavelength == 0 {
			ch.Wavelength = def.Wavelength
		}
		if ch.State.DAC == 0 {
			ch.State.DAC = def.State.DAC
		}
		if ch.State.Ton == 0 {
			ch.State.Ton = def.State.Ton
		}
		if ch.State.Toff == 0 {
			ch.State.Toff = def.State.Toff
		}
		if ch.State.Samples == 0 {
			ch.State.Samples = def.State.Samples
		}
		if ch.State.DACPos == 0 {
			ch.State.DACPos = def.State.DACPos
		}
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Serial.Options.Normalize(); err != nil {
		return err
	}
	if _, err := dispatch.ParsePolicy(c.Link.Policy); err != nil {
		return err
	}

	if c.Calibration.Target <= 0 {
		return fmt.Errorf("calibration target %d must be positive", c.Calibration.Target)
	}
	if c.Calibration.MaxDAC <= 0 || c.Calibration.MaxDAC > 0xFFFF {
		return fmt.Errorf("calibration max_dac %d out of range", c.Calibration.MaxDAC)
	}

	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Index < 0 || ch.Index >= len(device.Wavelengths) {
			return fmt.Errorf("channel index %d out of range", ch.Index)
		}
		if seen[ch.Index] {
			return fmt.Errorf("channel index %d listed twice", ch.Index)
		}
		seen[ch.Index] = true
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled without a listen address")
	}
	return nil
}
