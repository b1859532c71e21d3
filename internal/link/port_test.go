package link

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/shaunagostinho/motorlink/internal/packet"
)

// testablePort is an in-memory Port with scripted reads. Each fed chunk is
// followed by one read timeout, reported as (0, nil) like go.bug.st/serial.
type testablePort struct {
	mu sync.Mutex

	chunks [][]byte
	writes bytes.Buffer

	ReadError  error
	WriteError error
	CloseError error
	// ShortBy truncates every write by this many bytes.
	ShortBy int

	// CloseGate, when set, blocks Close until it is closed.
	CloseGate chan struct{}

	Closed     bool
	ReadCalls  int
	WriteCalls int
}

func newTestablePort() *testablePort {
	return &testablePort{}
}

func (t *testablePort) Feed(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, append([]byte(nil), chunk...), nil)
}

func (t *testablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadCalls++
	if t.Closed {
		return 0, errors.New("port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if len(t.chunks) == 0 {
		return 0, nil
	}
	c := t.chunks[0]
	if len(c) == 0 {
		t.chunks = t.chunks[1:]
		return 0, nil
	}
	n := copy(p, c)
	if n == len(c) {
		t.chunks = t.chunks[1:]
	} else {
		t.chunks[0] = c[n:]
	}
	return n, nil
}

func (t *testablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("port closed")
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}
	n := len(p) - t.ShortBy
	if n < 0 {
		n = 0
	}
	t.writes.Write(p[:n])
	return n, nil
}

func (t *testablePort) Close() error {
	if t.CloseGate != nil {
		<-t.CloseGate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

func (t *testablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.writes.Bytes()...)
}

func (t *testablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// timeoutErr mimics a net.Conn deadline expiry.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeDialer hands out testable ports.
type fakeDialer struct {
	mu     sync.Mutex
	codec  packet.Codec
	err    error
	ports  []*testablePort
	params []Params

	// gate, when set, holds every Dial until it is closed; entered
	// receives once per Dial that is waiting.
	gate    chan struct{}
	entered chan struct{}
}

func (d *fakeDialer) Name() string        { return "fake" }
func (d *fakeDialer) Codec() packet.Codec { return d.codec }

func (d *fakeDialer) Available() ([]Endpoint, error) {
	return []Endpoint{{Name: "fake0"}, {Name: "fake1"}}, nil
}

func (d *fakeDialer) Dial(endpoint string, params Params) (Port, error) {
	if d.gate != nil {
		d.entered <- struct{}{}
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	p := newTestablePort()
	d.ports = append(d.ports, p)
	d.params = append(d.params, params)
	return p, nil
}

func (d *fakeDialer) last() *testablePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[len(d.ports)-1]
}

func TestParamsNormalize(t *testing.T) {
	p, err := Params{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultParams(), p)

	p, err = Params{BaudRate: 9600, Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 9600, p.BaudRate)
	assert.Equal(t, "E", p.Parity)
	assert.Equal(t, 2, p.StopBits)

	for _, bad := range []Params{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestSerialMode(t *testing.T) {
	mode, err := SerialMode(Params{BaudRate: 57600, Parity: "O", StopBits: 2})
	require.NoError(t, err)
	assert.Equal(t, 57600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	mode, err = SerialMode(Params{})
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(timeoutErr{}))
	assert.False(t, isTimeout(errors.New("boom")))
	assert.False(t, isTimeout(nil))
}

func TestNewDialer(t *testing.T) {
	d, err := NewDialer("tcp", []string{"127.0.0.1:9000"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "tcp", d.Name())
	assert.False(t, d.Codec().Framed())
	eps, err := d.Available()
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Name: "127.0.0.1:9000"}}, eps)

	d, err = NewDialer("", nil, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, d.Codec().Framed())

	_, err = NewDialer("carrier-pigeon", nil, 0)
	assert.Error(t, err)
}

func TestTCPDialFailure(t *testing.T) {
	_, err := TCPDialer{}.Dial("127.0.0.1:1", Params{DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

// stubSerial overrides the calls SerialDialer makes; the embedded interface
// panics on anything else.
type stubSerial struct {
	serial.Port
	timeout time.Duration
	reset   bool
	closed  bool
}

func (s *stubSerial) SetReadTimeout(d time.Duration) error { s.timeout = d; return nil }
func (s *stubSerial) ResetInputBuffer() error              { s.reset = true; return nil }
func (s *stubSerial) Close() error                         { s.closed = true; return nil }

func TestSerialDialer(t *testing.T) {
	stub := &stubSerial{}
	var gotName string
	var gotMode *serial.Mode
	origOpen := openSerial
	openSerial = func(name string, mode *serial.Mode) (serial.Port, error) {
		gotName, gotMode = name, mode
		return stub, nil
	}
	t.Cleanup(func() { openSerial = origOpen })

	port, err := SerialDialer{}.Dial("/dev/ttyUSB0", Params{BaudRate: 9600})
	require.NoError(t, err)
	assert.Same(t, stub, port)
	assert.Equal(t, "/dev/ttyUSB0", gotName)
	assert.Equal(t, 9600, gotMode.BaudRate)
	assert.Equal(t, DefaultByteTimeout, stub.timeout)
	assert.True(t, stub.reset)

	_, err = SerialDialer{}.Dial("/dev/ttyUSB0", Params{StopBits: 7})
	assert.Error(t, err)

	openSerial = func(string, *serial.Mode) (serial.Port, error) { return nil, errors.New("busy") }
	_, err = SerialDialer{}.Dial("/dev/ttyUSB0", Params{})
	assert.ErrorContains(t, err, "busy")
}

func TestSerialAvailable(t *testing.T) {
	origDetailed, origList := listDetailed, listPorts
	t.Cleanup(func() { listDetailed, listPorts = origDetailed, origList })

	listDetailed = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A1", Product: "FT232R"},
			{Name: "/dev/ttyS0"},
		}, nil
	}
	eps, err := SerialDialer{}.Available()
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "/dev/ttyS0", eps[0].Name)
	assert.Equal(t, Endpoint{Name: "/dev/ttyUSB1", Description: "FT232R", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A1"}, eps[1])

	listDetailed = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no udev") }
	listPorts = func() ([]string, error) { return []string{"COM4", "COM3"}, nil }
	eps, err = SerialDialer{}.Available()
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Name: "COM3"}, {Name: "COM4"}}, eps)
}
