package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/motorlink/internal/server"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API and keep the controller link open",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig(cmd, opts)
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			log.Info().Str("version", getVersion()).Str("transport", cfg.Link.Transport).Msg("motorlink starting")

			a, err := buildApp(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(log)
			defer cancel()

			// Connect in the background so the API is up while the device is absent
			if cfg.Link.AutoOpen && cfg.Link.Endpoint != "" {
				params := cfg.Link.Params()
				endpoint := cfg.Link.Endpoint
				go func() {
					err := connectWithRetry(ctx, log, endpoint, func() error {
						return a.Open(endpoint, params)
					}, cfg.Link.MaxAttempts)
					if err != nil && !errors.Is(err, ctx.Err()) {
						log.Error().Err(err).Msg("auto-open abandoned")
					}
				}()
			}

			srv := server.New(cfg, a, log)
			runErr := srv.Run(ctx)
			_ = a.Close()
			return runErr
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	return cmd
}
