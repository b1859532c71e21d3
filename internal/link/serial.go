package link

import (
	"fmt"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/shaunagostinho/motorlink/internal/packet"
)

// allow tests to override the OS-facing calls
var (
	openSerial   = func(name string, mode *serial.Mode) (serial.Port, error) { return serial.Open(name, mode) }
	listDetailed = enumerator.GetDetailedPortsList
	listPorts    = serial.GetPortsList
)

// DefaultByteTimeout bounds the wait for each byte of a serial frame.
const DefaultByteTimeout = time.Millisecond

// SerialDialer opens point-to-point serial ports with go.bug.st/serial.
type SerialDialer struct {
	// ByteTimeout is the per-byte read timeout; the gap that ends a frame.
	ByteTimeout time.Duration
}

func (SerialDialer) Name() string        { return "serial" }
func (SerialDialer) Codec() packet.Codec { return packet.Serial }

// Available lists serial ports, with USB details where the OS reports them.
func (SerialDialer) Available() ([]Endpoint, error) {
	if details, err := listDetailed(); err == nil && len(details) > 0 {
		out := make([]Endpoint, 0, len(details))
		for _, d := range details {
			out = append(out, Endpoint{
				Name:         d.Name,
				Description:  d.Product,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}

	names, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(names)
	out := make([]Endpoint, 0, len(names))
	for _, n := range names {
		out = append(out, Endpoint{Name: n})
	}
	return out, nil
}

// Dial opens the named port and sets the per-byte read timeout.
func (d SerialDialer) Dial(endpoint string, params Params) (Port, error) {
	mode, err := SerialMode(params)
	if err != nil {
		return nil, err
	}
	port, err := openSerial(endpoint, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", endpoint, err)
	}
	timeout := d.ByteTimeout
	if timeout <= 0 {
		timeout = DefaultByteTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", endpoint, err)
	}
	// Stale bytes from before the open would corrupt the first frame.
	_ = port.ResetInputBuffer()
	return port, nil
}

// SerialMode converts params into the go.bug.st/serial mode structure.
func SerialMode(params Params) (*serial.Mode, error) {
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch p.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if p.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
