package telemetry

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/command"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

// ErrDecode is returned when a matched field has fewer bytes than its width.
var ErrDecode = errors.New("telemetry decode error")

// DefaultBatch is the number of frames drained per tick.
const DefaultBatch = 10

// Field describes one telemetry value: the bytes that announce it, how many
// bytes follow and which channel receives the decoded value.
type Field struct {
	Prefix  []byte
	Width   int
	Decode  func([]byte) float64
	Channel Channel
}

// Speed values are the raw bit pattern of a big-endian float32.
func decodeSpeed(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

func decodeADC(b []byte) float64 {
	return float64(binary.BigEndian.Uint16(b))
}

// DefaultFields returns the dispatch table matching the firmware's store
// prefixes, in match order.
func DefaultFields() []Field {
	return []Field{
		{Prefix: command.LeftSpeedStore.Prefix(), Width: 4, Decode: decodeSpeed, Channel: LeftSpeed},
		{Prefix: command.RightSpeedStore.Prefix(), Width: 4, Decode: decodeSpeed, Channel: RightSpeed},
		{Prefix: command.LeftADCStore.Prefix(), Width: 2, Decode: decodeADC, Channel: LeftADC},
		{Prefix: command.RightADCStore.Prefix(), Width: 2, Decode: decodeADC, Channel: RightADC},
	}
}

// Dispatcher routes received payloads into a Store.
type Dispatcher struct {
	store  *Store
	fields []Field
	log    zerolog.Logger
}

// NewDispatcher creates a dispatcher over store using fields; nil fields
// selects DefaultFields.
func NewDispatcher(store *Store, fields []Field, log zerolog.Logger) *Dispatcher {
	if fields == nil {
		fields = DefaultFields()
	}
	return &Dispatcher{
		store:  store,
		fields: fields,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch decodes every concatenated field of one payload. Frames whose class
// byte is not data-transfer carry no telemetry and are ignored. Decoding stops
// at the first unknown prefix; a truncated value returns ErrDecode after the
// values decoded so far have been stored. It returns the number of values
// stored.
func (d *Dispatcher) Dispatch(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	if payload[0] != command.ClassDataTransfer {
		return 0, nil
	}

	rest := payload[1:]
	stored := 0
	for len(rest) > 0 {
		f, ok := d.match(rest)
		if !ok {
			d.log.Debug().Hex("remainder", rest).Msg("no telemetry prefix matched")
			break
		}
		rest = rest[len(f.Prefix):]
		if len(rest) < f.Width {
			return stored, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrDecode, f.Channel, f.Width, len(rest))
		}
		if err := d.store.Push(f.Channel, f.Decode(rest[:f.Width])); err != nil {
			return stored, err
		}
		rest = rest[f.Width:]
		stored++
	}
	return stored, nil
}

func (d *Dispatcher) match(b []byte) (Field, bool) {
	for _, f := range d.fields {
		if bytes.HasPrefix(b, f.Prefix) {
			return f, true
		}
	}
	return Field{}, false
}

// Drain pops up to max packets from rx and dispatches each. Decode errors are
// logged and do not affect other frames. It returns the number of frames
// consumed.
func (d *Dispatcher) Drain(rx *buffer.Queue[*packet.Packet], max int) int {
	if max <= 0 {
		max = DefaultBatch
	}
	n := 0
	for ; n < max; n++ {
		p, err := rx.PopFront()
		if err != nil {
			break
		}
		if _, err := d.Dispatch(p.Payload); err != nil {
			d.log.Warn().Err(err).Str("packet", p.String()).Msg("telemetry frame truncated")
		}
	}
	return n
}

// Run drains rx every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, rx *buffer.Queue[*packet.Packet], interval time.Duration, batch int) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(rx, batch)
		}
	}
}
