package link

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

// errNoData is returned by ReadFrame when the port timed out with nothing
// buffered.
var errNoData = errors.New("no data")

// errStopped is returned by the loop bodies once shutdown was requested.
var errStopped = errors.New("worker stopped")

// WorkerConfig tunes the loops of a Worker.
type WorkerConfig struct {
	// Idle is how long a loop sleeps when there is nothing to do.
	Idle time.Duration
	// ReadTimeout is the deadline armed before each network read.
	ReadTimeout time.Duration
	// RetryDelay is the pause after a transport error.
	RetryDelay time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Idle <= 0 {
		c.Idle = 10 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 50 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// Stats are the worker's lifetime counters.
type Stats struct {
	FramesRead     uint64 `json:"framesRead"`
	FramingErrors  uint64 `json:"framingErrors"`
	RxDropped      uint64 `json:"rxDropped"`
	ReadErrors     uint64 `json:"readErrors"`
	PacketsWritten uint64 `json:"packetsWritten"`
	WriteErrors    uint64 `json:"writeErrors"`
}

type counters struct {
	framesRead     atomic.Uint64
	framingErrors  atomic.Uint64
	rxDropped      atomic.Uint64
	readErrors     atomic.Uint64
	packetsWritten atomic.Uint64
	writeErrors    atomic.Uint64
}

// Worker runs the reader and writer loops for one open port. Both loops
// observe a single shutdown flag once per iteration.
type Worker struct {
	port  Port
	codec packet.Codec
	rx    *buffer.Queue[*packet.Packet]
	tx    *buffer.Queue[*packet.Packet]
	cfg   WorkerConfig
	log   zerolog.Logger

	shutdown atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stats    counters

	// owned by the reader
	frame []byte
	buf   []byte
}

// NewWorker binds a worker to port. Received packets go to rx; packets to
// send are taken from tx.
func NewWorker(port Port, codec packet.Codec, rx, tx *buffer.Queue[*packet.Packet], cfg WorkerConfig, log zerolog.Logger) *Worker {
	return &Worker{
		port:  port,
		codec: codec,
		rx:    rx,
		tx:    tx,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "worker").Logger(),
		done:  make(chan struct{}),
		frame: make([]byte, 0, codec.MaxFrame()),
		buf:   make([]byte, codec.MaxFrame()),
	}
}

// Start launches the reader and writer goroutines. It is a no-op after the
// first call.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(2)
	go w.readLoop()
	go w.writeLoop()
}

// Stop requests shutdown and closes the port so blocked I/O returns.
func (w *Worker) Stop() error {
	if !w.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(w.done)
	return w.port.Close()
}

// Wait blocks until both loops have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Stopped reports whether shutdown was requested.
func (w *Worker) Stopped() bool {
	return w.shutdown.Load()
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		FramesRead:     w.stats.framesRead.Load(),
		FramingErrors:  w.stats.framingErrors.Load(),
		RxDropped:      w.stats.rxDropped.Load(),
		ReadErrors:     w.stats.readErrors.Load(),
		PacketsWritten: w.stats.packetsWritten.Load(),
		WriteErrors:    w.stats.writeErrors.Load(),
	}
}

func (w *Worker) readLoop() {
	defer w.wg.Done()
	// consecutive transport failures; only the first is logged at error level
	failures := 0
	for !w.shutdown.Load() {
		p, err := w.ReadFrame()
		if failures > 0 && (err == nil || errors.Is(err, errNoData)) {
			w.log.Info().Int("failures", failures).Msg("read recovered")
			failures = 0
		}
		switch {
		case err == nil:
			if err := w.rx.Push(p); err != nil {
				w.stats.rxDropped.Add(1)
				w.log.Warn().Err(err).Str("packet", p.String()).Msg("receive buffer full, dropping packet")
			} else {
				w.log.Trace().Str("packet", p.String()).Msg("received")
			}
		case errors.Is(err, errStopped) || w.shutdown.Load():
			return
		case errors.Is(err, errNoData):
			w.pause(nil, w.cfg.Idle)
		case errors.Is(err, packet.ErrFraming), errors.Is(err, packet.ErrPayloadTooLong):
			w.log.Warn().Err(err).Msg("discarding frame")
		default:
			failures++
			if failures == 1 {
				w.log.Error().Err(err).Dur("retry_every", w.cfg.RetryDelay).Msg("read failed, retrying")
			} else {
				w.log.Debug().Err(err).Int("failures", failures).Msg("read still failing")
			}
			w.pause(nil, w.cfg.RetryDelay)
		}
	}
}

func (w *Worker) writeLoop() {
	defer w.wg.Done()
	for !w.shutdown.Load() {
		sent, err := w.WriteOnce()
		if err != nil {
			if w.shutdown.Load() {
				return
			}
			w.log.Error().Err(err).Msg("write failed, packet dropped")
			continue
		}
		if !sent {
			w.pause(w.tx.Ready(), w.cfg.Idle)
		}
	}
}

// pause sleeps for d, returning early on wake or shutdown.
func (w *Worker) pause(wake <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-wake:
	case <-t.C:
	case <-w.done:
	}
}

// ReadFrame performs one iteration of the read loop body and returns the
// decoded packet. It does not touch the receive buffer.
func (w *Worker) ReadFrame() (*packet.Packet, error) {
	if w.codec.Framed() {
		return w.readFramed()
	}
	return w.readMessage()
}

// readFramed reads one byte at a time. A frame is complete when the port
// times out after a terminator byte.
func (w *Worker) readFramed() (*packet.Packet, error) {
	w.frame = w.frame[:0]
	one := w.buf[:1]
	limit := w.codec.MaxFrame()

	for len(w.frame) < limit {
		if w.shutdown.Load() {
			return nil, errStopped
		}
		w.armDeadline()
		n, err := w.port.Read(one)
		if n == 1 {
			w.frame = append(w.frame, one[0])
			continue
		}
		if err != nil && !isTimeout(err) {
			w.stats.readErrors.Add(1)
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if len(w.frame) == 0 {
			return nil, errNoData
		}
		if w.frame[len(w.frame)-1] != packet.EndCode {
			w.stats.framingErrors.Add(1)
			return nil, fmt.Errorf("%w: timeout without terminator after %d bytes", packet.ErrFraming, len(w.frame))
		}
		break
	}

	p, err := w.codec.Pack(w.frame)
	if err != nil {
		w.stats.framingErrors.Add(1)
		return nil, err
	}
	w.stats.framesRead.Add(1)
	return p, nil
}

// readMessage takes one network read as one whole message.
func (w *Worker) readMessage() (*packet.Packet, error) {
	if w.shutdown.Load() {
		return nil, errStopped
	}
	w.armDeadline()
	n, err := w.port.Read(w.buf)
	if n > 0 {
		p, perr := w.codec.Pack(w.buf[:n])
		if perr != nil {
			w.stats.framingErrors.Add(1)
			return nil, perr
		}
		if ra, ok := w.port.(remoteAddresser); ok {
			p.Addr = ra.RemoteAddr()
		}
		w.stats.framesRead.Add(1)
		return p, nil
	}
	if err == nil || isTimeout(err) {
		return nil, errNoData
	}
	w.stats.readErrors.Add(1)
	return nil, fmt.Errorf("%w: %v", ErrTransport, err)
}

func (w *Worker) armDeadline() {
	if ds, ok := w.port.(deadlineSetter); ok {
		_ = ds.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	}
}

// WriteOnce performs one iteration of the write loop body. It reports false
// when the transmit buffer was empty. A failed packet is dropped.
func (w *Worker) WriteOnce() (bool, error) {
	p, err := w.tx.PopFront()
	if err != nil {
		return false, nil
	}
	frame := w.codec.Unpack(p)
	n, err := w.port.Write(frame)
	if err != nil {
		w.stats.writeErrors.Add(1)
		return true, fmt.Errorf("%w: write %s: %v", ErrTransport, p, err)
	}
	if n != len(frame) {
		w.stats.writeErrors.Add(1)
		return true, fmt.Errorf("%w: %d of %d bytes of %s", ErrShortWrite, n, len(frame), p)
	}
	w.stats.packetsWritten.Add(1)
	w.log.Debug().Str("packet", p.String()).Msg("sent")
	return true, nil
}
