// Package device simulates the motor controller firmware so the host can be
// run and tested without hardware.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/motorlink/internal/command"
	"github.com/shaunagostinho/motorlink/internal/link"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

// Endpoint is the name the simulator is opened with.
const Endpoint = "sim"

// ErrClosed is returned by I/O on a closed simulator.
var ErrClosed = errors.New("simulated device closed")

// maxPending bounds the frames waiting for the host; the oldest is dropped.
const maxPending = 64

// Config tunes the simulator.
type Config struct {
	// Tick is the simulation step and the streaming period.
	Tick time.Duration
	// ReadTimeout is how long Read waits for output before returning (0, nil).
	ReadTimeout time.Duration
	// Seed feeds the noise generator.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 50 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = link.DefaultByteTimeout
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Device is an in-memory link.Port speaking the serial frame protocol. It
// answers *_ONCE requests with one telemetry frame and streams a frame per
// tick for every *_START until the matching *_STOP.
type Device struct {
	cfg    Config
	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	pending   [][]byte
	current   []byte
	gap       bool
	streaming map[[2]byte]bool
	motion    byte
	t         float64
	speed     [2]float64
	rng       *rand.Rand
	received  int
}

// New starts a simulator. Close stops its clock.
func New(cfg Config) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		cfg:       cfg,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		streaming: make(map[[2]byte]bool),
		motion:    command.MoveStop,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Device) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Step()
		}
	}
}

// Step advances the simulation by one tick and emits streamed frames.
func (d *Device) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.t += d.cfg.Tick.Seconds()
	target := d.targets()
	for side := range d.speed {
		// first-order response toward the commanded speed
		d.speed[side] += (target[side] - d.speed[side]) * 0.2
		if math.Abs(d.speed[side]) < 1e-3 {
			d.speed[side] = 0
		}
	}

	for _, s := range command.Stores() {
		if d.streaming[[2]byte{s.Side, s.Quantity}] {
			d.enqueue(d.frame(s))
		}
	}
}

func (d *Device) targets() [2]float64 {
	const cruise = 12.0
	switch d.motion {
	case command.MoveForward:
		return [2]float64{cruise, cruise}
	case command.MoveBackward:
		return [2]float64{-cruise, -cruise}
	case command.MoveLeft:
		return [2]float64{cruise * 0.4, cruise}
	case command.MoveRight:
		return [2]float64{cruise, cruise * 0.4}
	default:
		return [2]float64{}
	}
}

// frame builds the telemetry payload for one store.
func (d *Device) frame(s command.Store) []byte {
	out := []byte{command.ClassDataTransfer, s.Side, s.Quantity}
	speed := d.speed[s.Side]
	switch s.Quantity {
	case command.QuantitySpeed:
		v := float32(speed + (d.rng.Float64()-0.5)*0.05)
		out = binary.BigEndian.AppendUint32(out, math.Float32bits(v))
	case command.QuantityADC:
		// motor current sense on a 12-bit converter
		raw := 120 + math.Abs(speed)*150 + d.rng.Float64()*20
		if raw > 4095 {
			raw = 4095
		}
		out = binary.BigEndian.AppendUint16(out, uint16(raw))
	}
	return out
}

func (d *Device) enqueue(payload []byte) {
	p, err := packet.Serial.New(payload)
	if err != nil {
		return
	}
	if len(d.pending) >= maxPending {
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, packet.Serial.Unpack(p))
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Read returns bytes of the frame in flight. Between frames, and when nothing
// is pending after ReadTimeout, it returns (0, nil) like a serial port.
func (d *Device) Read(p []byte) (int, error) {
	if n, ok, err := d.take(p); ok || err != nil {
		return n, err
	}
	t := time.NewTimer(d.cfg.ReadTimeout)
	defer t.Stop()
	select {
	case <-d.notify:
	case <-t.C:
		return 0, nil
	case <-d.stop:
		return 0, ErrClosed
	}
	n, _, err := d.take(p)
	return n, err
}

func (d *Device) take(p []byte) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, false, ErrClosed
	}
	if len(d.current) == 0 {
		if d.gap {
			d.gap = false
			return 0, true, nil
		}
		if len(d.pending) == 0 {
			return 0, false, nil
		}
		d.current = d.pending[0]
		d.pending = d.pending[1:]
	}
	n := copy(p, d.current)
	d.current = d.current[n:]
	if len(d.current) == 0 {
		d.gap = true
	}
	return n, true, nil
}

// Write accepts exactly one serial frame per call.
func (d *Device) Write(b []byte) (int, error) {
	p, err := packet.Serial.Pack(b)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	d.received++
	d.handle(p.Payload)
	return len(b), nil
}

func (d *Device) handle(payload []byte) {
	if len(payload) < 2 {
		return
	}
	switch payload[0] {
	case command.ClassDataTransfer:
		if len(payload) < 4 {
			return
		}
		key := [2]byte{payload[1], payload[2]}
		s, ok := storeFor(key)
		if !ok {
			return
		}
		switch payload[3] {
		case command.ModeOnce:
			d.enqueue(d.frame(s))
		case command.ModeStart:
			d.streaming[key] = true
		case command.ModeStop:
			delete(d.streaming, key)
		}
	case command.ClassVehicleControl:
		if payload[1] <= command.MoveRight {
			d.motion = payload[1]
		}
	}
}

func storeFor(key [2]byte) (command.Store, bool) {
	for _, s := range command.Stores() {
		if s.Side == key[0] && s.Quantity == key[1] {
			return s, true
		}
	}
	return command.Store{}, false
}

// Close stops the clock and fails further I/O.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	d.wg.Wait()
	return nil
}

// Motion returns the last vehicle-control move byte.
func (d *Device) Motion() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion
}

// Speed returns the simulated speed of a side.
func (d *Device) Speed(side byte) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(side) >= len(d.speed) {
		return 0
	}
	return d.speed[side]
}

// Streaming reports whether a store is being streamed.
func (d *Device) Streaming(s command.Store) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming[[2]byte{s.Side, s.Quantity}]
}

// Received returns the number of frames written by the host.
func (d *Device) Received() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

// Dialer exposes the simulator as a link transport with one endpoint.
type Dialer struct {
	Config Config

	mu   sync.Mutex
	last *Device
}

func (*Dialer) Name() string        { return Endpoint }
func (*Dialer) Codec() packet.Codec { return packet.Serial }

func (*Dialer) Available() ([]link.Endpoint, error) {
	return []link.Endpoint{{Name: Endpoint, Description: "Simulated motor controller"}}, nil
}

func (dl *Dialer) Dial(endpoint string, _ link.Params) (link.Port, error) {
	if endpoint != Endpoint {
		return nil, fmt.Errorf("unknown simulated endpoint %q", endpoint)
	}
	dev := New(dl.Config)
	dl.mu.Lock()
	dl.last = dev
	dl.mu.Unlock()
	return dev, nil
}

// Device returns the most recently dialed simulator, or nil.
func (dl *Dialer) Device() *Device {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.last
}
