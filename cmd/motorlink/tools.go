package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/motorlink/internal/command"
	"github.com/shaunagostinho/motorlink/internal/telemetry"
)

func newPortsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List endpoints of the configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig(cmd, opts)
			a, err := buildApp(cfg, log)
			if err != nil {
				return err
			}
			eps, err := a.Available()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUSB\tVID:PID\tSERIAL\tDESCRIPTION")
			for _, e := range eps {
				usb, ids := "", ""
				if e.IsUSB {
					usb, ids = "yes", e.VID+":"+e.PID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Name, usb, ids, e.SerialNumber, e.Description)
			}
			return tw.Flush()
		},
	}
}

func newCommandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Print the command table",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBYTES")
			for _, d := range command.List() {
				fmt.Fprintf(tw, "%s\t% X\n", d.Name, d.Bytes())
			}
			return tw.Flush()
		},
	}
}

func newHeaderCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "header",
		Short: "Generate the firmware C header (mcu_const.h)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return command.Header(w)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newSendCmd(opts *globalOpts) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <name> [hex]",
		Short: "Open the link, send one command and print telemetry that arrives",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []byte
			if len(args) == 2 {
				b, err := hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
				if err != nil {
					return fmt.Errorf("extra payload: %w", err)
				}
				extra = b
			}

			cfg, log := loadConfig(cmd, opts)
			a, err := buildApp(cfg, log)
			if err != nil {
				return err
			}
			if err := a.SendCommand(args[0], extra...); err != nil {
				return err
			}
			if err := a.Open(cfg.Link.Endpoint, cfg.Link.Params()); err != nil {
				return err
			}
			defer a.Close()

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				a.Tick()
				time.Sleep(10 * time.Millisecond)
			}
			a.Tick()

			st := a.Status()
			if st.TxLen > 0 || st.Stats.WriteErrors > 0 {
				return fmt.Errorf("command not written (queued %d, write errors %d)", st.TxLen, st.Stats.WriteErrors)
			}

			w := cmd.OutOrStdout()
			snap := a.Snapshot()
			for _, ch := range telemetry.Channels() {
				if s := snap[ch.String()]; s.Valid {
					fmt.Fprintf(w, "%s\t%g\t(%d samples)\n", ch, s.Value, s.Count)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 500*time.Millisecond, "how long to collect telemetry after sending")
	return cmd
}
