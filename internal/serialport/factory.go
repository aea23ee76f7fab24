package serialport

import (
	"go.bug.st/serial"
)

// Real is the Factory backed by go.bug.st/serial. The ports it opens
// implement TimeoutPorter, so reads are bounded by a hardware-level deadline.
var Real Factory = FactoryFunc(openReal)

func openReal(path string, opts Options) (Porter, error) {
	mode, err := opts.serialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &ConnectionError{Port: path, Err: err}
	}

	return port, nil
}

// ListPorts enumerates candidate serial port names on this host. It is
// side-effect-free: no port is opened or probed.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
