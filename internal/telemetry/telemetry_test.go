package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

func speedBytes(v float32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func newDispatcher(max int) (*Store, *Dispatcher) {
	store := NewStore(max)
	return store, NewDispatcher(store, nil, zerolog.Nop())
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	const limit = 5
	h := NewHistory(limit)
	for i := 0; i < 23; i++ {
		h.Push(float64(i))
	}
	assert.Equal(t, limit, h.Len())
	assert.Equal(t, []float64{18, 19, 20, 21, 22}, h.Recent(-1))
	assert.Equal(t, []float64{21, 22}, h.Recent(2))
	v, ok := h.Latest()
	assert.True(t, ok)
	assert.Equal(t, 22.0, v)

	h.Clear()
	_, ok = h.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.Recent(3))
}

func TestHistoryBelowLimit(t *testing.T) {
	h := NewHistory(10)
	h.Push(1)
	h.Push(2)
	assert.Equal(t, []float64{1, 2}, h.Recent(10))
}

func TestDispatchRightSpeed(t *testing.T) {
	store, d := newDispatcher(100)
	payload := append([]byte{0x10, 0x01, 0x00}, speedBytes(3.5)...)

	n, err := d.Dispatch(payload)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, ok := store.Latest(RightSpeed)
	require.True(t, ok)
	assert.Equal(t, 3.5, v)
}

func TestDispatchRightADC(t *testing.T) {
	store, d := newDispatcher(100)
	_, err := d.Dispatch([]byte{0x10, 0x01, 0x05, 0x00, 0x2A})
	require.NoError(t, err)
	v, ok := store.Latest(RightADC)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestDispatchConcatenated(t *testing.T) {
	store, d := newDispatcher(100)
	payload := []byte{0x10}
	payload = append(payload, 0x00, 0x00)
	payload = append(payload, speedBytes(-1.25)...)
	payload = append(payload, 0x00, 0x05, 0x03, 0xE8)
	payload = append(payload, 0x01, 0x05, 0xFF, 0xFF)

	n, err := d.Dispatch(payload)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, _ := store.ReadRecent(LeftSpeed, 1)
	assert.Equal(t, []float64{-1.25}, left)
	adc, _ := store.ReadRecent(LeftADC, 1)
	assert.Equal(t, []float64{1000}, adc)
	radc, _ := store.ReadRecent(RightADC, 1)
	assert.Equal(t, []float64{65535}, radc)
}

func TestDispatchSpeedIsBitPattern(t *testing.T) {
	store, d := newDispatcher(10)
	_, err := d.Dispatch([]byte{0x10, 0x00, 0x00, 0x7F, 0xC0, 0x00, 0x00})
	require.NoError(t, err)
	v, ok := store.Latest(LeftSpeed)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestDispatchTruncatedKeepsEarlierValues(t *testing.T) {
	store, d := newDispatcher(10)
	payload := []byte{0x10, 0x01, 0x05, 0x00, 0x07, 0x00, 0x00, 0x41}

	n, err := d.Dispatch(payload)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 1, n)
	v, _ := store.Latest(RightADC)
	assert.Equal(t, 7.0, v)
	_, ok := store.Latest(LeftSpeed)
	assert.False(t, ok)
}

func TestDispatchIgnoresOtherClasses(t *testing.T) {
	store, d := newDispatcher(10)
	for _, payload := range [][]byte{
		nil,
		{0x20, 0x01, 0x05, 0x00, 0x01},
		{0x33, 0x01, 0x05, 0x00, 0x01},
		{0x10, 0x09, 0x09, 0x00, 0x01},
	} {
		n, err := d.Dispatch(payload)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	for _, s := range store.Snapshot() {
		assert.False(t, s.Valid)
	}
}

func TestDrainBatches(t *testing.T) {
	store, d := newDispatcher(100)
	rx := buffer.New[*packet.Packet](20)
	for i := 0; i < 15; i++ {
		p, err := packet.Serial.New([]byte{0x10, 0x00, 0x05, 0x00, byte(i)})
		require.NoError(t, err)
		require.NoError(t, rx.Push(p))
	}

	assert.Equal(t, DefaultBatch, d.Drain(rx, 0))
	assert.Equal(t, 5, rx.Len())
	assert.Equal(t, 5, d.Drain(rx, 100))

	vals, err := store.ReadRecent(LeftADC, -1)
	require.NoError(t, err)
	require.Len(t, vals, 15)
	assert.Equal(t, 14.0, vals[14])
}

func TestRunStopsOnCancel(t *testing.T) {
	store, d := newDispatcher(10)
	rx := buffer.New[*packet.Packet](4)
	p, err := packet.Serial.New([]byte{0x10, 0x01, 0x05, 0x00, 0x2A})
	require.NoError(t, err)
	require.NoError(t, rx.Push(p))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, rx, 5*time.Millisecond, 0)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := store.Latest(RightADC)
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseChannel(t *testing.T) {
	for _, name := range []string{"right_speed", "RIGHT-SPEED", "rightSpeed"} {
		c, err := ParseChannel(name)
		require.NoError(t, err, name)
		assert.Equal(t, RightSpeed, c)
	}
	_, err := ParseChannel("torque")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = NewStore(1).ReadRecent(Channel(42), 1)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestStoreLimit(t *testing.T) {
	store := NewStore(3)
	for i := 0; i < 7; i++ {
		require.NoError(t, store.Push(LeftSpeed, float64(i)))
	}
	vals, err := store.ReadRecent(LeftSpeed, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, vals)
	assert.Equal(t, 3, store.MaxLength())

	snap := store.Snapshot()
	assert.Equal(t, Sample{Value: 6, Count: 3, Valid: true}, snap["left_speed"])
	require.NoError(t, store.Clear(LeftSpeed))
	assert.Equal(t, 0, store.Snapshot()["left_speed"].Count)
}

func TestNonFiniteSpeedEncodes(t *testing.T) {
	store, d := newDispatcher(10)
	inf := []byte{0x7F, 0x80, 0x00, 0x00}
	_, err := d.Dispatch(append([]byte{0x10, 0x01, 0x00}, inf...))
	require.NoError(t, err)
	_, err = d.Dispatch(append([]byte{0x10, 0x00, 0x00}, speedBytes(float32(math.NaN()))...))
	require.NoError(t, err)

	v, ok := store.Latest(RightSpeed)
	require.True(t, ok)
	assert.True(t, math.IsInf(v, 1))

	data, err := json.Marshal(store.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"right_speed":{"value":"Infinity","count":1,"valid":true}`)
	assert.Contains(t, string(data), `"left_speed":{"value":"NaN"`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsInf(back["right_speed"].Value, 1))
	assert.True(t, math.IsNaN(back["left_speed"].Value))

	vals, err := store.ReadRecent(RightSpeed, -1)
	require.NoError(t, err)
	data, err = json.Marshal(Values(append(vals, math.Inf(-1), 2.5)))
	require.NoError(t, err)
	assert.Equal(t, `["Infinity","-Infinity",2.5]`, string(data))
}
