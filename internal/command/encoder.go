package command

import (
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

// Encoder builds packets from the command table and queues them for the
// writer loop.
type Encoder struct {
	codec packet.Codec
	tx    *buffer.Queue[*packet.Packet]
	log   zerolog.Logger
}

// NewEncoder returns an encoder that queues onto tx using codec.
func NewEncoder(codec packet.Codec, tx *buffer.Queue[*packet.Packet], log zerolog.Logger) *Encoder {
	return &Encoder{
		codec: codec,
		tx:    tx,
		log:   log.With().Str("component", "encoder").Logger(),
	}
}

// Send looks up name, appends extra to its bytes and pushes the packet onto the
// transmit queue. ErrUnknownCommand, packet.ErrPayloadTooLong and
// buffer.ErrFull are returned to the caller unchanged; nothing is retried.
func (e *Encoder) Send(name string, extra ...byte) error {
	d, err := Lookup(name)
	if err != nil {
		return err
	}
	return e.SendDescriptor(d, extra...)
}

// SendTag is Send for a known table entry.
func (e *Encoder) SendTag(tag Tag, extra ...byte) error {
	return e.SendDescriptor(Get(tag), extra...)
}

// SendDescriptor queues d followed by extra.
func (e *Encoder) SendDescriptor(d Descriptor, extra ...byte) error {
	payload := append(d.Bytes(), extra...)
	p, err := e.codec.New(payload)
	if err != nil {
		return err
	}
	if err := e.tx.Push(p); err != nil {
		return err
	}
	e.log.Debug().Str("command", d.Name).Str("packet", p.String()).Int("queued", e.tx.Len()).Msg("command queued")
	return nil
}
