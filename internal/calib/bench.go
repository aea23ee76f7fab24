package calib

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/device"
)

// Bench calibrates any channel of a controller with one shared option set.
type Bench struct {
	Ctrl *device.Controller
	Opts Options
	Log  *logrus.Logger
}

// Calibrate runs a calibration on the given channel.
func (b Bench) Calibrate(ctx context.Context, channel, target, startDAC int) (Result, error) {
	eng := New(ControllerDriver{Ctrl: b.Ctrl, Channel: channel}, b.Opts, b.Log)
	res, err := eng.Calibrate(ctx, target, startDAC)

	var conv *ConvergenceError
	if errors.As(err, &conv) {
		conv.Channel = channel
	}
	return res, err
}
