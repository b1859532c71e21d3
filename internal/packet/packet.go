// Package packet implements the framing rules shared by the host and the motor
// controller.
//
// Two wire variants exist:
//
//	serial:  '{' <payload 0..38 bytes> '}'
//	network: <payload 0..1024 bytes>   (one TCP write or UDP datagram)
//
// A Codec describes one variant; a Packet is a payload validated against it.
package packet

import (
	"errors"
	"fmt"
	"net"
)

const (
	// StartCode opens every serial frame.
	StartCode byte = '{'
	// EndCode terminates every serial frame.
	EndCode byte = '}'

	// SerialMaxPayload is the largest payload a serial frame can carry.
	SerialMaxPayload = 38
	// SerialMaxFrame is SerialMaxPayload plus the start and end codes.
	SerialMaxFrame = SerialMaxPayload + 2

	// NetworkMaxPayload bounds a TCP write or UDP datagram.
	NetworkMaxPayload = 1024
)

var (
	// ErrPayloadTooLong is returned when a payload exceeds the codec's limit.
	ErrPayloadTooLong = errors.New("payload too long")
	// ErrFraming is returned when raw bytes are not a well-formed frame.
	ErrFraming = errors.New("framing error")
)

// Codec describes how payloads are bounded and framed on one transport.
type Codec struct {
	name       string
	maxPayload int
	framed     bool
}

var (
	// Serial frames payloads between StartCode and EndCode.
	Serial = Codec{name: "serial", maxPayload: SerialMaxPayload, framed: true}
	// Network carries payloads verbatim.
	Network = Codec{name: "network", maxPayload: NetworkMaxPayload}
)

// Packet is one validated payload. Addr is only meaningful for network
// packets: the source of a received datagram or an explicit send target.
type Packet struct {
	Payload []byte
	Addr    net.Addr

	framed bool
}

// Name identifies the codec in logs and status output.
func (c Codec) Name() string { return c.name }

// MaxPayload returns the largest payload accepted by New.
func (c Codec) MaxPayload() int { return c.maxPayload }

// MaxFrame returns the largest number of bytes one frame occupies on the wire.
func (c Codec) MaxFrame() int {
	if c.framed {
		return c.maxPayload + 2
	}
	return c.maxPayload
}

// Framed reports whether frames are delimited by StartCode/EndCode.
func (c Codec) Framed() bool { return c.framed }

// New builds a packet around a copy of payload.
func (c Codec) New(payload []byte) (*Packet, error) {
	if len(payload) > c.maxPayload {
		return nil, fmt.Errorf("%w: length %d, max %d", ErrPayloadTooLong, len(payload), c.maxPayload)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Packet{Payload: data, framed: c.framed}, nil
}

// Pack parses raw wire bytes into a packet. For serial frames the first and
// last bytes must be StartCode and EndCode; network bytes are taken as-is.
func (c Codec) Pack(raw []byte) (*Packet, error) {
	if !c.framed {
		return c.New(raw)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrFraming, len(raw))
	}
	if raw[0] != StartCode {
		return nil, fmt.Errorf("%w: start byte 0x%02X, expected 0x%02X", ErrFraming, raw[0], StartCode)
	}
	if last := raw[len(raw)-1]; last != EndCode {
		return nil, fmt.Errorf("%w: end byte 0x%02X, expected 0x%02X", ErrFraming, last, EndCode)
	}
	return c.New(raw[1 : len(raw)-1])
}

// Unpack serializes p for the wire.
func (c Codec) Unpack(p *Packet) []byte {
	if !c.framed {
		out := make([]byte, len(p.Payload))
		copy(out, p.Payload)
		return out
	}
	out := make([]byte, 0, len(p.Payload)+2)
	out = append(out, StartCode)
	out = append(out, p.Payload...)
	return append(out, EndCode)
}

// String renders the packet for logs.
func (p *Packet) String() string {
	if p.framed {
		return fmt.Sprintf("%c % X %c", StartCode, p.Payload, EndCode)
	}
	if p.Addr != nil {
		return fmt.Sprintf("%s: % X", p.Addr, p.Payload)
	}
	return fmt.Sprintf("% X", p.Payload)
}
