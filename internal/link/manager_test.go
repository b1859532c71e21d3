package link

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

func newTestManager() (*Manager, *fakeDialer) {
	d := &fakeDialer{codec: packet.Serial}
	rx := buffer.New[*packet.Packet](8)
	tx := buffer.New[*packet.Packet](8)
	return NewManager(d, rx, tx, WorkerConfig{Idle: time.Millisecond}, zerolog.Nop()), d
}

func TestManagerLifecycle(t *testing.T) {
	m, d := newTestManager()

	assert.ErrorIs(t, m.CheckOpen(), ErrNotOpen)
	assert.ErrorIs(t, m.Close(), ErrNotOpen)

	eps, err := m.Available()
	require.NoError(t, err)
	assert.Len(t, eps, 2)

	require.NoError(t, m.Open("fake0", Params{BaudRate: 115200}))
	assert.NoError(t, m.CheckOpen())
	assert.Equal(t, "fake0", m.Endpoint())
	assert.Equal(t, 115200, d.params[0].BaudRate)

	err = m.Open("fake1", Params{})
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, "fake0", m.Endpoint(), "the first connection is untouched")

	port := d.last()
	require.NoError(t, m.Close())
	assert.True(t, port.IsClosed())
	assert.ErrorIs(t, m.CheckOpen(), ErrNotOpen)
	assert.Empty(t, m.Endpoint())
	assert.ErrorIs(t, m.Close(), ErrNotOpen)
}

func TestManagerReopen(t *testing.T) {
	m, d := newTestManager()
	require.NoError(t, m.Open("fake0", Params{}))
	require.NoError(t, m.Close())
	require.NoError(t, m.Open("fake1", Params{}))
	defer m.Close()

	port := d.last()
	port.Feed([]byte{'{', 0x10, '}'})
	require.Eventually(t, func() bool { return m.Stats().FramesRead == 1 }, time.Second, time.Millisecond)
	assert.Len(t, d.ports, 2)
}

func TestManagerOpenFailed(t *testing.T) {
	m, d := newTestManager()
	d.err = errors.New("no such device")

	err := m.Open("ttyNONE", Params{})
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorIs(t, m.CheckOpen(), ErrNotOpen)
}

func TestManagerKeepsStatsAfterClose(t *testing.T) {
	m, d := newTestManager()
	require.NoError(t, m.Open("fake0", Params{}))
	d.last().Feed([]byte{'{', 0x01, 0x02})
	require.Eventually(t, func() bool { return m.Stats().FramingErrors == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Close())
	assert.Equal(t, uint64(1), m.Stats().FramingErrors)
}

func TestManagerStatusDuringSlowDial(t *testing.T) {
	m, d := newTestManager()
	d.gate = make(chan struct{})
	d.entered = make(chan struct{}, 1)

	opened := make(chan error, 1)
	go func() { opened <- m.Open("fake0", Params{}) }()
	<-d.entered

	start := time.Now()
	assert.ErrorIs(t, m.CheckOpen(), ErrNotOpen)
	assert.Empty(t, m.Endpoint())
	_ = m.Stats()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.ErrorIs(t, m.Open("fake1", Params{}), ErrAlreadyOpen, "a second open while dialing is rejected")
	assert.ErrorIs(t, m.Close(), ErrNotOpen)

	close(d.gate)
	require.NoError(t, <-opened)
	assert.Equal(t, "fake0", m.Endpoint())
	require.NoError(t, m.Close())
}

func TestManagerStatusDuringSlowClose(t *testing.T) {
	m, d := newTestManager()
	require.NoError(t, m.Open("fake0", Params{}))
	port := d.last()
	port.CloseGate = make(chan struct{})

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()

	require.Eventually(t, func() bool { return errors.Is(m.CheckOpen(), ErrNotOpen) }, time.Second, time.Millisecond)
	assert.Empty(t, m.Endpoint())
	assert.ErrorIs(t, m.Open("fake1", Params{}), ErrTransport, "reopen waits for the close to finish")

	close(port.CloseGate)
	require.NoError(t, <-closed)
	require.NoError(t, m.Open("fake1", Params{}))
	require.NoError(t, m.Close())
}
