package device

import (
	"fmt"

	"github.com/spectra-data/aquascan/internal/proto"
)

// Wavelengths maps channel index to emitter wavelength in nanometres. The
// assignment is fixed by the optical bench layout.
var Wavelengths = [proto.NumChannels]int{
	660, 680, 700, 720, 735, 750, 770, 780,
	810, 830, 850, 870, 890, 910, 940, 970,
}

// Channel is the host-side view of one measurement channel: its hardware
// identity plus the operator-editable run settings.
type Channel struct {
	Index      int          `yaml:"index"`
	Wavelength int          `yaml:"wavelength"`
	Enabled    bool         `yaml:"enabled"`
	Order      int          `yaml:"order"`
	State      ChannelState `yaml:"state"`
}

func (c Channel) String() string {
	return fmt.Sprintf("ch%d (%d nm)", c.Index, c.Wavelength)
}

// DefaultChannels returns the full bench in hardware order with the stock
// parameter set: every channel enabled and measuring in index order.
func DefaultChannels() []Channel {
	channels := make([]Channel, proto.NumChannels)
	for i := range channels {
		channels[i] = Channel{
			Index:      i,
			Wavelength: Wavelengths[i],
			Enabled:    true,
			Order:      i,
			State: ChannelState{
				DAC:     1000,
				Ton:     100,
				Toff:    100,
				Samples: 10,
				DACPos:  2000,
			},
		}
	}
	return channels
}
