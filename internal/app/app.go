// Package app wires the connection manager, queues, encoder and telemetry
// store into the single context the CLI and HTTP server operate on.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/buffer"
	"github.com/shaunagostinho/motorlink/internal/command"
	"github.com/shaunagostinho/motorlink/internal/link"
	"github.com/shaunagostinho/motorlink/internal/packet"
	"github.com/shaunagostinho/motorlink/internal/telemetry"
)

const (
	defaultCapacity = 64
	defaultHistory  = 100
)

// Options configures New.
type Options struct {
	Dialer        link.Dialer
	Worker        link.WorkerConfig
	RxCapacity    int
	TxCapacity    int
	HistoryLength int
	// Batch is the number of received frames one Tick dispatches.
	Batch int
	// Fields overrides the telemetry dispatch table.
	Fields []telemetry.Field
}

// App is the application context. It is safe for concurrent use.
type App struct {
	codec      packet.Codec
	rx         *buffer.Queue[*packet.Packet]
	tx         *buffer.Queue[*packet.Packet]
	conn       *link.Manager
	encoder    *command.Encoder
	store      *telemetry.Store
	dispatcher *telemetry.Dispatcher
	batch      int
	log        zerolog.Logger
}

// New builds the context. The connection starts closed.
func New(opts Options, log zerolog.Logger) *App {
	if opts.Dialer == nil {
		opts.Dialer = link.SerialDialer{}
	}
	if opts.RxCapacity <= 0 {
		opts.RxCapacity = defaultCapacity
	}
	if opts.TxCapacity <= 0 {
		opts.TxCapacity = defaultCapacity
	}
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = defaultHistory
	}
	if opts.Batch <= 0 {
		opts.Batch = telemetry.DefaultBatch
	}

	codec := opts.Dialer.Codec()
	rx := buffer.New[*packet.Packet](opts.RxCapacity)
	tx := buffer.New[*packet.Packet](opts.TxCapacity)
	store := telemetry.NewStore(opts.HistoryLength)

	return &App{
		codec:      codec,
		rx:         rx,
		tx:         tx,
		conn:       link.NewManager(opts.Dialer, rx, tx, opts.Worker, log),
		encoder:    command.NewEncoder(codec, tx, log),
		store:      store,
		dispatcher: telemetry.NewDispatcher(store, opts.Fields, log),
		batch:      opts.Batch,
		log:        log.With().Str("component", "app").Logger(),
	}
}

// Available lists endpoints of the configured transport.
func (a *App) Available() ([]link.Endpoint, error) { return a.conn.Available() }

// Open connects to endpoint and starts the reader and writer.
func (a *App) Open(endpoint string, params link.Params) error {
	return a.conn.Open(endpoint, params)
}

// Close stops the worker and releases the port.
func (a *App) Close() error { return a.conn.Close() }

// CheckOpen returns link.ErrNotOpen unless connected.
func (a *App) CheckOpen() error { return a.conn.CheckOpen() }

// SendCommand queues a table command with optional extra payload bytes. It
// does not require an open connection; queued packets go out once one is.
func (a *App) SendCommand(name string, extra ...byte) error {
	err := a.encoder.Send(name, extra...)
	if err != nil {
		a.log.Debug().Err(err).Str("command", name).Int("extra", len(extra)).Msg("command rejected")
	}
	return err
}

// ReadRecent returns up to n of the newest values of a channel by name.
func (a *App) ReadRecent(channel string, n int) ([]float64, error) {
	ch, err := telemetry.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	return a.store.ReadRecent(ch, n)
}

// Tick dispatches one batch of received frames and returns how many were
// consumed.
func (a *App) Tick() int {
	return a.dispatcher.Drain(a.rx, a.batch)
}

// Run calls Tick every interval until ctx is done.
func (a *App) Run(ctx context.Context, interval time.Duration) {
	a.dispatcher.Run(ctx, a.rx, interval, a.batch)
}

// Snapshot returns the newest value of every channel.
func (a *App) Snapshot() telemetry.Snapshot { return a.store.Snapshot() }

// Store exposes the telemetry histories.
func (a *App) Store() *telemetry.Store { return a.store }

// Codec is the wire framing of the configured transport.
func (a *App) Codec() packet.Codec { return a.codec }

// Status describes the connection and queue state.
type Status struct {
	Open      bool       `json:"open"`
	Endpoint  string     `json:"endpoint,omitempty"`
	Transport string     `json:"transport"`
	Codec     string     `json:"codec"`
	Stats     link.Stats `json:"stats"`
	RxLen     int        `json:"rxLen"`
	RxCap     int        `json:"rxCap"`
	TxLen     int        `json:"txLen"`
	TxCap     int        `json:"txCap"`
}

// Status reports the current state.
func (a *App) Status() Status {
	return Status{
		Open:      a.conn.CheckOpen() == nil,
		Endpoint:  a.conn.Endpoint(),
		Transport: a.conn.Dialer().Name(),
		Codec:     a.codec.Name(),
		Stats:     a.conn.Stats(),
		RxLen:     a.rx.Len(),
		RxCap:     a.rx.Cap(),
		TxLen:     a.tx.Len(),
		TxCap:     a.tx.Cap(),
	}
}
