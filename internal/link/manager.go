package link

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/packet"
)

// Manager opens and closes the single connection to the controller.
type Manager struct {
	dialer Dialer
	rx     *buffer.Queue[*packet.Packet]
	tx     *buffer.Queue[*packet.Packet]
	cfg    WorkerConfig
	log    zerolog.Logger

	mu       sync.Mutex
	endpoint string
	worker   *Worker
	last     Stats
	// endpoint being dialed, "" when idle
	opening string
	closing bool
}

// NewManager creates a closed manager. Workers it starts share rx and tx.
func NewManager(d Dialer, rx, tx *buffer.Queue[*packet.Packet], cfg WorkerConfig, log zerolog.Logger) *Manager {
	return &Manager{
		dialer: d,
		rx:     rx,
		tx:     tx,
		cfg:    cfg,
		log:    log.With().Str("component", "link").Str("transport", d.Name()).Logger(),
	}
}

// Dialer returns the dialer the manager opens ports with.
func (m *Manager) Dialer() Dialer { return m.dialer }

// Codec is the framing used by the dialer's ports.
func (m *Manager) Codec() packet.Codec { return m.dialer.Codec() }

// Available lists the endpoints the dialer can open.
func (m *Manager) Available() ([]Endpoint, error) {
	return m.dialer.Available()
}

// Open dials endpoint and starts the reader and writer. The lock is not held
// while dialing, so status queries stay responsive during a slow dial.
func (m *Manager) Open(endpoint string, params Params) error {
	m.mu.Lock()
	switch {
	case m.worker != nil:
		defer m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, m.endpoint)
	case m.opening != "":
		defer m.mu.Unlock()
		return fmt.Errorf("%w: opening %s", ErrAlreadyOpen, m.opening)
	case m.closing:
		m.mu.Unlock()
		return fmt.Errorf("%w: close in progress", ErrTransport)
	}
	m.opening = endpoint
	m.mu.Unlock()

	port, err := m.dialer.Dial(endpoint, params)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opening = ""
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	w := NewWorker(port, m.dialer.Codec(), m.rx, m.tx, m.cfg, m.log.With().Str("endpoint", endpoint).Logger())
	w.Start()
	m.worker = w
	m.endpoint = endpoint
	m.log.Info().Str("endpoint", endpoint).Int("baud", params.BaudRate).Msg("connection opened")
	return nil
}

// Close stops the worker, closes the port and waits for both loops to exit.
// The connection reads as closed as soon as Close starts.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.worker == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	w, endpoint := m.worker, m.endpoint
	m.worker = nil
	m.endpoint = ""
	m.closing = true
	m.last = w.Stats()
	m.mu.Unlock()

	err := w.Stop()
	w.Wait()

	m.mu.Lock()
	m.closing = false
	m.last = w.Stats()
	m.mu.Unlock()

	m.log.Info().Str("endpoint", endpoint).Msg("connection closed")
	if err != nil {
		return fmt.Errorf("%w: close port: %v", ErrTransport, err)
	}
	return nil
}

// CheckOpen returns ErrNotOpen unless a connection is open.
func (m *Manager) CheckOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker == nil {
		return ErrNotOpen
	}
	return nil
}

// Endpoint returns the open endpoint, or "" when closed.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Stats returns the counters of the open worker, or those of the last one
// when closed.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worker != nil {
		return m.worker.Stats()
	}
	return m.last
}
