// Package command holds the static command table shared with the motor
// controller firmware and the encoder that turns symbolic commands into
// queued packets.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// Class bytes lead every payload.
const (
	ClassDataTransfer   byte = 0x10
	ClassVehicleControl byte = 0x20
)

// Motor side selectors.
const (
	MotorLeft  byte = 0x00
	MotorRight byte = 0x01
)

// Quantity selectors.
const (
	QuantitySpeed byte = 0x00
	QuantityADC   byte = 0x05
)

// Streaming modes for data-transfer commands.
const (
	ModeStop  byte = 0x00
	ModeOnce  byte = 0x01
	ModeStart byte = 0x02
)

// Vehicle motion codes.
const (
	MoveStop     byte = 0x00
	MoveForward  byte = 0x01
	MoveBackward byte = 0x02
	MoveLeft     byte = 0x03
	MoveRight    byte = 0x04
)

// ErrUnknownCommand is returned when a name is not in the table.
var ErrUnknownCommand = errors.New("unknown command")

// Tag identifies one entry of the command table.
type Tag int

const (
	LeftSpeedStop Tag = iota
	LeftSpeedOnce
	LeftSpeedStart
	LeftADCStop
	LeftADCOnce
	LeftADCStart
	RightSpeedStop
	RightSpeedOnce
	RightSpeedStart
	RightADCStop
	RightADCOnce
	RightADCStart
	MoveStopTag
	MoveForwardTag
	MoveBackwardTag
	MoveLeftTag
	MoveRightTag

	numTags
)

// Descriptor is one static command: the class byte followed by Payload.
type Descriptor struct {
	Tag     Tag    `json:"-"`
	Name    string `json:"name"`
	Class   byte   `json:"class"`
	Payload []byte `json:"payload"`
}

// Bytes returns the class byte followed by the payload.
func (d Descriptor) Bytes() []byte {
	out := make([]byte, 0, 1+len(d.Payload))
	out = append(out, d.Class)
	return append(out, d.Payload...)
}

// Store is the [side, quantity] prefix with which the device reports a value.
type Store struct {
	Name     string
	Side     byte
	Quantity byte
}

// Prefix returns the bytes that precede the value in a telemetry payload.
func (s Store) Prefix() []byte { return []byte{s.Side, s.Quantity} }

// Telemetry store prefixes, in dispatch order.
var (
	LeftSpeedStore  = Store{Name: "LEFT_SPEED_STORE", Side: MotorLeft, Quantity: QuantitySpeed}
	RightSpeedStore = Store{Name: "RIGHT_SPEED_STORE", Side: MotorRight, Quantity: QuantitySpeed}
	LeftADCStore    = Store{Name: "LEFT_ADC_STORE", Side: MotorLeft, Quantity: QuantityADC}
	RightADCStore   = Store{Name: "RIGHT_ADC_STORE", Side: MotorRight, Quantity: QuantityADC}
)

// Stores lists every telemetry prefix.
func Stores() []Store {
	return []Store{LeftSpeedStore, RightSpeedStore, LeftADCStore, RightADCStore}
}

var (
	table  [numTags]Descriptor
	byName = make(map[string]Tag, numTags)
)

func init() {
	stream := func(tag Tag, name string, side, qty, mode byte) {
		table[tag] = Descriptor{Tag: tag, Name: name, Class: ClassDataTransfer, Payload: []byte{side, qty, mode}}
	}
	move := func(tag Tag, name string, code byte) {
		table[tag] = Descriptor{Tag: tag, Name: name, Class: ClassVehicleControl, Payload: []byte{code}}
	}

	stream(LeftSpeedStop, "LEFT_SPEED_STOP", MotorLeft, QuantitySpeed, ModeStop)
	stream(LeftSpeedOnce, "LEFT_SPEED_ONCE", MotorLeft, QuantitySpeed, ModeOnce)
	stream(LeftSpeedStart, "LEFT_SPEED_START", MotorLeft, QuantitySpeed, ModeStart)
	stream(LeftADCStop, "LEFT_ADC_STOP", MotorLeft, QuantityADC, ModeStop)
	stream(LeftADCOnce, "LEFT_ADC_ONCE", MotorLeft, QuantityADC, ModeOnce)
	stream(LeftADCStart, "LEFT_ADC_START", MotorLeft, QuantityADC, ModeStart)
	stream(RightSpeedStop, "RIGHT_SPEED_STOP", MotorRight, QuantitySpeed, ModeStop)
	stream(RightSpeedOnce, "RIGHT_SPEED_ONCE", MotorRight, QuantitySpeed, ModeOnce)
	stream(RightSpeedStart, "RIGHT_SPEED_START", MotorRight, QuantitySpeed, ModeStart)
	stream(RightADCStop, "RIGHT_ADC_STOP", MotorRight, QuantityADC, ModeStop)
	stream(RightADCOnce, "RIGHT_ADC_ONCE", MotorRight, QuantityADC, ModeOnce)
	stream(RightADCStart, "RIGHT_ADC_START", MotorRight, QuantityADC, ModeStart)

	move(MoveStopTag, "MOVE_STOP", MoveStop)
	move(MoveForwardTag, "MOVE_FORWARD", MoveForward)
	move(MoveBackwardTag, "MOVE_BACKWARD", MoveBackward)
	move(MoveLeftTag, "MOVE_LEFT", MoveLeft)
	move(MoveRightTag, "MOVE_RIGHT", MoveRight)

	for _, d := range table {
		byName[d.Name] = d.Tag
	}
}

// Get returns the descriptor for tag.
func Get(tag Tag) Descriptor {
	if tag < 0 || tag >= numTags {
		panic(fmt.Sprintf("command: tag %d out of range", tag))
	}
	return clone(table[tag])
}

// Lookup resolves a symbolic name such as "RIGHT_SPEED_ONCE". Matching is
// case-insensitive and tolerates a leading "CMD_".
func Lookup(name string) (Descriptor, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "CMD_")
	tag, ok := byName[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return clone(table[tag]), nil
}

// List returns every descriptor in table order.
func List() []Descriptor {
	out := make([]Descriptor, 0, numTags)
	for _, d := range table {
		out = append(out, clone(d))
	}
	return out
}

func (t Tag) String() string {
	if t < 0 || t >= numTags {
		return fmt.Sprintf("Tag(%d)", int(t))
	}
	return table[t].Name
}

func clone(d Descriptor) Descriptor {
	d.Payload = append([]byte(nil), d.Payload...)
	return d
}
