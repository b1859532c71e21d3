// Package recorder writes timestamped telemetry snapshots to CSV files with
// automatic rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/motorlink/internal/telemetry"
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	// MaxRows rotates the file after this many rows; 0 selects the default.
	MaxRows int `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // ~2.7 hrs at 10 Hz

// Recorder appends one row per interval with the latest value of every
// telemetry channel.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

var header = func() []string {
	h := []string{"timestamp"}
	for _, ch := range telemetry.Channels() {
		h = append(h, ch.String())
	}
	return h
}()

// New creates a recorder. No file is opened until the first row.
func New(cfg Config, log zerolog.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "recordings"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 10*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		log:      log.With().Str("component", "recorder").Logger(),
	}
}

// SetEnabled toggles recording at runtime. Disabling closes the current file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record writes snap if recording is enabled and the minimum interval since
// the previous row has elapsed. It reports whether a row was written.
func (r *Recorder) Record(now time.Time, snap telemetry.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return false
	}
	if !r.lastTs.IsZero() && now.Sub(r.lastTs) < r.interval {
		return false
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			r.log.Error().Err(err).Msg("rotate failed")
			return false
		}
	}

	if err := r.writer.Write(buildRow(now, snap)); err != nil {
		r.log.Error().Err(err).Msg("write failed")
		return false
	}
	r.writer.Flush()
	r.rows++
	return true
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("motorlink_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(header); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info().Str("path", path).Msg("recording to file")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func buildRow(ts time.Time, snap telemetry.Snapshot) []string {
	row := make([]string, len(header))
	row[0] = ts.Format(time.RFC3339Nano)
	for i, ch := range telemetry.Channels() {
		if s, ok := snap[ch.String()]; ok && s.Valid {
			row[i+1] = strconv.FormatFloat(s.Value, 'f', -1, 64)
		}
	}
	return row
}
