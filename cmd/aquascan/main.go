// Command aquascan drives a 16-channel optical measurement bench over its
// serial control link: it calibrates the emitters onto a common amplitude,
// stores the reference intensities, runs measurement passes and archives
// every record.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/absorb"
	"github.com/spectra-data/aquascan/internal/calib"
	"github.com/spectra-data/aquascan/internal/config"
	"github.com/spectra-data/aquascan/internal/device"
	"github.com/spectra-data/aquascan/internal/dispatch"
	"github.com/spectra-data/aquascan/internal/monitor"
	"github.com/spectra-data/aquascan/internal/serialport"
	"github.com/spectra-data/aquascan/internal/session"
	"github.com/spectra-data/aquascan/internal/store"
	"github.com/spectra-data/aquascan/internal/twin"
	"github.com/spectra-data/aquascan/internal/version"
)

// Exit codes let wrappers tell a bad config from a dead link from a failed
// run.
const (
	exitOK      = 0
	exitConfig  = 1
	exitConnect = 2
	exitPass    = 3
)

var (
	configPath  = flag.String("config", "aquascan.yaml", "config file path")
	portName    = flag.String("port", "", "serial port, overriding the config")
	devMode     = flag.Bool("dev", false, "run against the built-in instrument twin")
	dbPath      = flag.String("db", "", "sqlite archive path, overriding the config")
	listenAddr  = flag.String("listen", "", "metrics listen address, overriding the config")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aquascan: %v\n", err)
		return exitConfig
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "aquascan: %v\n", err)
		return exitConfig
	}

	log := monitor.SetupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	log.WithFields(logrus.Fields{
		"version": version.Version,
		"config":  *configPath,
		"port":    cfg.Serial.Port,
	}).Info("aquascan starting")

	mon := monitor.NewMonitor(log)
	stopStats := make(chan struct{})
	defer close(stopStats)
	if cfg.Metrics.Enabled {
		mon.StartMetricsServer(cfg.Metrics.Listen)
		mon.StartRuntimeStats(cfg.Metrics.RuntimeInterval.Std(), stopStats)
	}

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Error("could not open archive")
		return exitConfig
	}
	defer st.Close()
	if err := st.MigrateUp(); err != nil {
		log.WithError(err).Error("could not migrate archive")
		return exitConfig
	}

	// -dev (or use_twin in the config) swaps the physical link for the
	// instrument twin.
	factory := serialport.Real
	if *devMode || cfg.Serial.UseTwin {
		tw := twin.New()
		factory = serialport.FactoryFunc(func(string, serialport.Options) (serialport.Porter, error) {
			tw.Reopen()
			return tw, nil
		})
		log.Info("dev mode: talking to the instrument twin")
	}

	conn := serialport.NewConn(factory, cfg.Serial.Options, log)
	if err := conn.Connect(cfg.Serial.Port); err != nil {
		log.WithError(err).WithField("port", cfg.Serial.Port).Error("could not open serial port")
		if ports, lerr := serialport.ListPorts(); lerr == nil && len(ports) > 0 {
			log.WithField("available", ports).Info("serial ports on this host")
		}
		return exitConnect
	}
	defer conn.Close()
	monitor.LinkConnected.Set(1)

	dispOpts, err := cfg.Link.DispatchOptions()
	if err != nil {
		log.WithError(err).Error("bad link settings")
		return exitConfig
	}
	disp := dispatch.New(conn, dispOpts, log)
	defer func() {
		if !cfg.Database.LogCommands {
			return
		}
		if err := st.RecordDispatchLog(disp.Log()); err != nil {
			log.WithError(err).Warn("could not archive the command log")
		}
	}()

	ctrl := device.NewController(disp, log)
	ctrl.HandshakeTimeout = cfg.Link.HandshakeTimeout.Std()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Link.PerformHandshake {
		ok, err := ctrl.Handshake(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return exitOK
			}
			log.WithError(err).Error("handshake failed")
			return exitConnect
		}
		if !ok {
			log.WithField("port", cfg.Serial.Port).Error("no instrument answered the handshake")
			return exitConnect
		}
		log.Info("instrument answered")
	}

	// Program the configured parameter set into the enabled channels before
	// the first pass.
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if err := ctrl.WriteChannel(ctx, ch.Index, ch.State); err != nil {
			if errors.Is(err, context.Canceled) {
				return exitOK
			}
			log.WithError(err).WithField("channel", ch.Index).Error("could not program channel")
			return exitConnect
		}
	}

	abs := absorb.New(log)
	bench := calib.Bench{Ctrl: ctrl, Opts: cfg.Calibration.Options(), Log: log}
	runner := session.NewRunner(ctrl, bench, abs, log)

	progress := func(ev session.ProgressEvent) {
		entry := log.WithFields(logrus.Fields{
			"kind":       ev.Kind,
			"channel":    ev.Channel,
			"wavelength": ev.Wavelength,
			"step":       fmt.Sprintf("%d/%d", ev.Step, ev.Steps),
		})
		if ev.Iterations > 1 {
			entry = entry.WithField("sweep", fmt.Sprintf("%d/%d", ev.Iteration, ev.Iterations))
		}
		entry.Info("channel done")
	}

	var all []session.Record

	// Reference pass: drive every enabled channel onto the common target
	// and store the clean-water intensities.
	log.WithField("target", cfg.Calibration.Target).Info("reference pass starting")
	records, err := runner.RunPass(ctx, session.PassSpec{
		Mode:     session.ModeCalibrate,
		Target:   cfg.Calibration.Target,
		Channels: cfg.Channels,
		Progress: progress,
	})
	all = append(all, records...)
	archive(st, log, records)
	if err != nil {
		return passFailure(log, err)
	}

	for pass := 1; pass <= cfg.Measurement.Passes; pass++ {
		if pass > 1 && cfg.Measurement.Interval > 0 {
			log.WithField("interval", cfg.Measurement.Interval.String()).Info("waiting before next pass")
			select {
			case <-time.After(cfg.Measurement.Interval.Std()):
			case <-ctx.Done():
				summarize(log, all)
				return exitOK
			}
		}

		log.WithFields(logrus.Fields{
			"label": cfg.Measurement.Label,
			"pass":  fmt.Sprintf("%d/%d", pass, cfg.Measurement.Passes),
		}).Info("measurement pass starting")
		records, err := runner.RunPass(ctx, session.PassSpec{
			Mode:       session.ModeSample,
			Label:      cfg.Measurement.Label,
			Iterations: cfg.Measurement.Iterations,
			Channels:   cfg.Channels,
			Progress:   progress,
		})
		all = append(all, records...)
		archive(st, log, records)
		if err != nil {
			return passFailure(log, err)
		}
	}

	summarize(log, all)
	log.Info("aquascan done")
	return exitOK
}

// applyFlags lets the command line override the loaded file.
func applyFlags(cfg *config.Config) {
	if *portName != "" {
		cfg.Serial.Port = *portName
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *listenAddr != "" {
		cfg.Metrics.Listen = *listenAddr
		cfg.Metrics.Enabled = true
	}
}

func archive(st *store.Store, log *logrus.Logger, records []session.Record) {
	if len(records) == 0 {
		return
	}
	if err := st.RecordMeasurements(records); err != nil {
		log.WithError(err).Error("could not archive records")
	}
}

// passFailure maps a pass error onto an exit code. An operator interrupt is
// a normal stop, not a failure.
func passFailure(log *logrus.Logger, err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info("interrupted, shutting down")
		return exitOK
	}
	log.WithError(err).Error("pass aborted")
	return exitPass
}

func summarize(log *logrus.Logger, records []session.Record) {
	for _, s := range session.Summarize(records) {
		log.WithFields(logrus.Fields{
			"channel":    s.Channel,
			"wavelength": s.Wavelength,
			"count":      s.Count,
			"mean":       fmt.Sprintf("%.6f", s.Mean),
			"stddev":     fmt.Sprintf("%.6f", s.StdDev),
		}).Info("absorbance summary")
	}
}
