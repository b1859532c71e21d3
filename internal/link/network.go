package link

import (
	"fmt"
	"net"
	"time"

	"github.com/shaunagostinho/motorlink/internal/packet"
)

func staticEndpoints(names []string) []Endpoint {
	out := make([]Endpoint, 0, len(names))
	for _, n := range names {
		out = append(out, Endpoint{Name: n})
	}
	return out
}

// TCPDialer connects to the controller's TCP listener. Every read is taken as
// one frame and every frame is sent with a single write.
type TCPDialer struct {
	// Endpoints is the static list returned by Available.
	Endpoints []string
}

func (TCPDialer) Name() string        { return "tcp" }
func (TCPDialer) Codec() packet.Codec { return packet.Network }

func (d TCPDialer) Available() ([]Endpoint, error) { return staticEndpoints(d.Endpoints), nil }

func (d TCPDialer) Dial(endpoint string, params Params) (Port, error) {
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", endpoint, p.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", endpoint, err)
	}
	return conn, nil
}

// UDPDialer exchanges one datagram per frame with the controller.
type UDPDialer struct {
	Endpoints []string
}

func (UDPDialer) Name() string        { return "udp" }
func (UDPDialer) Codec() packet.Codec { return packet.Network }

func (d UDPDialer) Available() ([]Endpoint, error) { return staticEndpoints(d.Endpoints), nil }

func (d UDPDialer) Dial(endpoint string, _ Params) (Port, error) {
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", endpoint, err)
	}
	return conn, nil
}

// NewDialer returns the dialer for a transport name. endpoints is the static
// list offered by network transports; byteTimeout only applies to serial.
func NewDialer(transport string, endpoints []string, byteTimeout time.Duration) (Dialer, error) {
	switch transport {
	case "", "serial", "uart":
		return SerialDialer{ByteTimeout: byteTimeout}, nil
	case "tcp":
		return TCPDialer{Endpoints: endpoints}, nil
	case "udp":
		return UDPDialer{Endpoints: endpoints}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
