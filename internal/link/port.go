// Package link owns the transport to the motor controller: the serial and
// network dialers, the reader/writer worker pair bound to one open port, and
// the manager that opens and closes it.
package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shaunagostinho/motorlink/internal/packet"
)

var (
	// ErrNotOpen is returned when an operation needs an open connection.
	ErrNotOpen = errors.New("connection not open")
	// ErrAlreadyOpen is returned by Open while a connection is open.
	ErrAlreadyOpen = errors.New("connection already open")
	// ErrOpenFailed wraps the dialer error when a transport cannot be acquired.
	ErrOpenFailed = errors.New("open failed")
	// ErrTransport wraps read and write failures of the underlying port.
	ErrTransport = errors.New("transport I/O error")
	// ErrShortWrite is returned when a frame was only partially written.
	ErrShortWrite = errors.New("short write")
)

// Port is the minimal interface needed from a transport. A read that times
// out either returns (0, nil), as serial ports do, or a net.Error whose
// Timeout method reports true.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// deadlineSetter is implemented by network ports.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// remoteAddresser is implemented by connected network ports.
type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Endpoint identifies something Open can connect to.
type Endpoint struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IsUSB        bool   `json:"isUSB,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// Dialer acquires ports of one transport kind.
type Dialer interface {
	// Name is the transport name, e.g. "serial" or "tcp".
	Name() string
	// Codec is the framing used on ports from this dialer.
	Codec() packet.Codec
	// Available lists endpoints that can be passed to Dial.
	Available() ([]Endpoint, error)
	// Dial opens endpoint with params.
	Dial(endpoint string, params Params) (Port, error)
}

// Params describes how to open a port. Serial fields are ignored by network
// dialers.
type Params struct {
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	DataBits    int           `yaml:"data_bits" json:"dataBits"`
	StopBits    int           `yaml:"stop_bits" json:"stopBits"`
	Parity      string        `yaml:"parity" json:"parity"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dialTimeout"`
}

// DefaultParams matches the controller firmware: 115200 8N1.
func DefaultParams() Params {
	return Params{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", DialTimeout: 3 * time.Second}
}

// Normalize validates p and fills unset fields with defaults.
func (p Params) Normalize() (Params, error) {
	def := DefaultParams()
	if p.BaudRate <= 0 {
		p.BaudRate = def.BaudRate
	}
	if p.DataBits == 0 {
		p.DataBits = def.DataBits
	}
	if p.DataBits < 5 || p.DataBits > 8 {
		return p, fmt.Errorf("invalid data bits %d: must be between 5 and 8", p.DataBits)
	}
	if p.StopBits == 0 {
		p.StopBits = def.StopBits
	}
	if p.StopBits != 1 && p.StopBits != 2 {
		return p, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", p.StopBits)
	}
	switch strings.ToUpper(strings.TrimSpace(p.Parity)) {
	case "", "N", "NONE":
		p.Parity = "N"
	case "E", "EVEN":
		p.Parity = "E"
	case "O", "ODD":
		p.Parity = "O"
	default:
		return p, fmt.Errorf("unsupported parity %q: expected N, E, or O", p.Parity)
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = def.DialTimeout
	}
	return p, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
