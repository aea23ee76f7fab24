// Package device realizes instrument operations on top of the command
// dispatcher: handshake, per-channel parameter access, measurements, and
// indicator control. It owns the translation between typed operations and
// wire commands; callers above it never see protocol strings.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/dispatch"
	"github.com/spectra-data/aquascan/internal/proto"
)

// defaultHandshakeTimeout keeps the identity probe snappy. Handshakes run
// against possibly-wrong ports, where waiting out the full command budget
// serves nobody.
const defaultHandshakeTimeout = 2 * time.Second

// ErrAckFailed marks a command the instrument explicitly refused.
var ErrAckFailed = errors.New("device refused the command")

// ProtocolError reports a reply that could not be interpreted for an
// operation, with enough context to chase it in the dispatch log.
type ProtocolError struct {
	Op       string
	Channel  int
	Response string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device: %s on channel %d: %v (reply %q)", e.Op, e.Channel, e.Err, e.Response)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Dispatcher is the slice of the command dispatcher the controller needs.
type Dispatcher interface {
	Dispatch(command string) (*dispatch.Response, error)
	DispatchTimeout(command string, timeout time.Duration) (*dispatch.Response, error)
}

// Triple is one raw measurement: two pulse readings and the background
// level, straight off the ADC.
type Triple struct {
	Pulse1     int
	Pulse2     int
	Background int
}

// ChannelState is the full parameter set of one channel.
type ChannelState struct {
	DAC     int `yaml:"dac"`
	Ton     int `yaml:"ton"`
	Toff    int `yaml:"toff"`
	Samples int `yaml:"samples"`
	DACPos  int `yaml:"dac_position"`
}

func (s ChannelState) param(p proto.Param) int {
	switch p {
	case proto.ParamDAC:
		return s.DAC
	case proto.ParamTon:
		return s.Ton
	case proto.ParamToff:
		return s.Toff
	case proto.ParamSamples:
		return s.Samples
	default:
		return s.DACPos
	}
}

func (s *ChannelState) setParam(p proto.Param, v int) {
	switch p {
	case proto.ParamDAC:
		s.DAC = v
	case proto.ParamTon:
		s.Ton = v
	case proto.ParamToff:
		s.Toff = v
	case proto.ParamSamples:
		s.Samples = v
	case proto.ParamDACPos:
		s.DACPos = v
	}
}

// Controller drives the instrument through a dispatcher.
type Controller struct {
	// HandshakeTimeout overrides the dispatcher's base timeout for the
	// handshake probe.
	HandshakeTimeout time.Duration

	disp Dispatcher
	log  *logrus.Logger
}

// NewController wraps a dispatcher. A nil logger discards output.
func NewController(disp Dispatcher, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Controller{
		HandshakeTimeout: defaultHandshakeTimeout,
		disp:             disp,
		log:              log,
	}
}

// Handshake probes whether a live instrument sits on the other end of the
// link. Silence and wrong answers both mean "not ours" and are not errors;
// only link failures are.
func (c *Controller) Handshake(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	resp, err := c.disp.DispatchTimeout(proto.HandshakeCommand, c.HandshakeTimeout)
	if err != nil {
		var link *dispatch.LinkError
		if errors.As(err, &link) {
			return false, err
		}
		var noResp *dispatch.NoResponseError
		if errors.As(err, &noResp) {
			c.log.WithField("attempts", noResp.Attempts).Debug("Handshake got no answer")
			return false, nil
		}
		return false, err
	}

	ok := proto.MatchesHandshake(resp.Text)
	if !ok {
		c.log.WithField("reply", resp.Text).Warn("Handshake reply did not match")
	}
	return ok, nil
}

// ReadParam fetches one parameter word from a channel.
func (c *Controller) ReadParam(ctx context.Context, channel int, p proto.Param) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cmd, err := proto.ReadParamCommand(channel, p)
	if err != nil {
		return 0, fmt.Errorf("device: read %s: %w", p, err)
	}
	resp, err := c.disp.Dispatch(cmd)
	if err != nil {
		return 0, err
	}
	value, err := proto.ParseReadReply(resp.Text)
	if err != nil {
		return 0, &ProtocolError{Op: "read " + p.String(), Channel: channel, Response: resp.Text, Err: err}
	}
	return value, nil
}

// WriteParam stores one parameter word on a channel. The instrument's
// explicit refusal surfaces as ErrAckFailed.
func (c *Controller) WriteParam(ctx context.Context, channel int, p proto.Param, value int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd, err := proto.WriteParamCommand(channel, p, value)
	if err != nil {
		return fmt.Errorf("device: write %s: %w", p, err)
	}
	resp, err := c.disp.Dispatch(cmd)
	if err != nil {
		return err
	}
	switch ack, detail := proto.ParseAck(resp.Text); ack {
	case proto.AckOK:
		return nil
	case proto.AckFailed:
		return &ProtocolError{Op: "write " + p.String(), Channel: channel, Response: resp.Text, Err: ErrAckFailed}
	default:
		return &ProtocolError{Op: "write " + p.String(), Channel: channel, Response: resp.Text,
			Err: fmt.Errorf("malformed ack: %s", detail)}
	}
}

// Measure triggers one measurement on a channel and returns the raw triple.
func (c *Controller) Measure(ctx context.Context, channel int) (Triple, error) {
	if err := ctx.Err(); err != nil {
		return Triple{}, err
	}

	cmd, err := proto.MeasureCommand(channel)
	if err != nil {
		return Triple{}, fmt.Errorf("device: measure: %w", err)
	}
	resp, err := c.disp.Dispatch(cmd)
	if err != nil {
		return Triple{}, err
	}
	p1, p2, bg, err := proto.ParseMeasureReply(resp.Text)
	if err != nil {
		return Triple{}, &ProtocolError{Op: "measure", Channel: channel, Response: resp.Text, Err: err}
	}
	return Triple{Pulse1: p1, Pulse2: p2, Background: bg}, nil
}

// SetIndicator switches a channel's indicator LED.
func (c *Controller) SetIndicator(ctx context.Context, channel int, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd, err := proto.IndicatorCommand(channel, on)
	if err != nil {
		return fmt.Errorf("device: indicator: %w", err)
	}
	resp, err := c.disp.Dispatch(cmd)
	if err != nil {
		return err
	}
	if ack, detail := proto.ParseAck(resp.Text); ack != proto.AckOK {
		return &ProtocolError{Op: "indicator", Channel: channel, Response: resp.Text,
			Err: fmt.Errorf("%s ack: %s", ack, detail)}
	}
	return nil
}

// ReadChannel fetches every parameter of one channel.
func (c *Controller) ReadChannel(ctx context.Context, channel int) (ChannelState, error) {
	var state ChannelState
	for _, p := range proto.Params {
		value, err := c.ReadParam(ctx, channel, p)
		if err != nil {
			return state, err
		}
		state.setParam(p, value)
	}
	return state, nil
}

// WriteChannel stores every parameter of one channel.
func (c *Controller) WriteChannel(ctx context.Context, channel int, state ChannelState) error {
	for _, p := range proto.Params {
		if err := c.WriteParam(ctx, channel, p, state.param(p)); err != nil {
			return err
		}
	}
	return nil
}

// ReadTable fetches the parameter table of all channels.
func (c *Controller) ReadTable(ctx context.Context) ([proto.NumChannels]ChannelState, error) {
	var table [proto.NumChannels]ChannelState
	for ch := 0; ch < proto.NumChannels; ch++ {
		state, err := c.ReadChannel(ctx, ch)
		if err != nil {
			return table, fmt.Errorf("device: read table at channel %d: %w", ch, err)
		}
		table[ch] = state
	}
	return table, nil
}

// WriteTable stores the parameter table of all channels.
func (c *Controller) WriteTable(ctx context.Context, table [proto.NumChannels]ChannelState) error {
	for ch := 0; ch < proto.NumChannels; ch++ {
		if err := c.WriteChannel(ctx, ch, table[ch]); err != nil {
			return fmt.Errorf("device: write table at channel %d: %w", ch, err)
		}
	}
	return nil
}
