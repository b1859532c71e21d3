package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/shaunagostinho/motorlink/internal/app"
	"github.com/shaunagostinho/motorlink/internal/device"
	"github.com/shaunagostinho/motorlink/internal/link"
	"github.com/shaunagostinho/motorlink/internal/server"
)

var exampleUsage = strings.TrimSpace(`
  motorlink serve --config ./motorlink.yaml
  motorlink serve --demo --listen :8080
  motorlink send RIGHT_SPEED_ONCE --endpoint /dev/ttyUSB0
  motorlink header -o firmware/mcu_const.h
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// globalOpts are the flags shared by every subcommand.
type globalOpts struct {
	configPath string
	logLevel   string
	demo       bool
	transport  string
	endpoint   string
	baud       int
}

func main() {
	var opts globalOpts

	root := &cobra.Command{
		Use:           "motorlink",
		Short:         "Host link to a two-motor vehicle controller over serial or the network",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "motorlink.yaml", "path to config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&opts.demo, "demo", false, "use the simulated controller")
	pf.StringVar(&opts.transport, "transport", "", "override link transport (serial, tcp, udp, sim)")
	pf.StringVar(&opts.endpoint, "endpoint", "", "override link endpoint")
	pf.IntVar(&opts.baud, "baud", 0, "override serial baud rate")

	root.AddCommand(
		newServeCmd(&opts),
		newPortsCmd(&opts),
		newCommandsCmd(),
		newHeaderCmd(),
		newSendCmd(&opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger and installs it as the zerolog global.
func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger = logger.Level(lvl).With().Timestamp().Logger()
	zlog.Logger = logger
	return logger
}

// loadConfig reads the config file and applies flags the user set. Flags win
// over file and environment values.
func loadConfig(cmd *cobra.Command, opts *globalOpts) (*server.Config, zerolog.Logger) {
	// bootstrap logger so config loading is visible at the requested level
	newLogger(opts.logLevel, "console")
	cfg := server.LoadConfig(opts.configPath)

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if changed["log-level"] {
		cfg.Log.Level = opts.logLevel
	}
	if changed["transport"] {
		cfg.Link.Transport = opts.transport
	}
	if changed["endpoint"] {
		cfg.Link.Endpoint = opts.endpoint
	}
	if changed["baud"] {
		cfg.Link.BaudRate = opts.baud
	}
	if opts.demo {
		cfg.Link.Transport = device.Endpoint
		cfg.Link.Endpoint = device.Endpoint
	}

	log := newLogger(cfg.Log.Level, cfg.Log.Format)
	return cfg, log
}

// buildApp constructs the application context for cfg's transport.
func buildApp(cfg *server.Config, log zerolog.Logger) (*app.App, error) {
	l := cfg.Link
	var dialer link.Dialer
	if l.Transport == device.Endpoint {
		dialer = &device.Dialer{}
	} else {
		d, err := link.NewDialer(l.Transport, l.Endpoints, time.Duration(l.ByteTimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		dialer = d
	}
	return app.New(app.Options{
		Dialer:        dialer,
		Worker:        l.WorkerConfig(),
		RxCapacity:    l.RxCapacity,
		TxCapacity:    l.TxCapacity,
		HistoryLength: cfg.Telemetry.HistoryLength,
		Batch:         cfg.Telemetry.Batch,
	}, log), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// connectWithRetry attempts to open with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s. With maxAttempts > 0 it gives
// up after that many failures; otherwise it retries until ctx is done. A link
// that is already open counts as success.
func connectWithRetry(ctx context.Context, log zerolog.Logger, name string, open func() error, maxAttempts int) error {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := open()
		if err == nil {
			log.Info().Str("endpoint", name).Int("attempt", attempt+1).Msg("connected")
			return nil
		}
		if errors.Is(err, link.ErrAlreadyOpen) {
			log.Info().Str("endpoint", name).Err(err).Msg("link opened elsewhere, stopping retries")
			return nil
		}

		attempt++
		ev := log.Warn().Err(err).Str("endpoint", name).Int("attempt", attempt).Dur("retry_in", delay)
		if maxAttempts > 0 {
			ev = ev.Int("max_attempts", maxAttempts)
		}
		ev.Msg("connect failed")
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("connect %s: giving up after %d attempts: %w", name, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
