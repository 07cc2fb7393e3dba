// bumper - self-hosted cloud for robot vacuums.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bumperhq/bumper/pkg/certs"
	"github.com/bumperhq/bumper/pkg/config"
	"github.com/bumperhq/bumper/pkg/logging"
	"github.com/bumperhq/bumper/pkg/server"
)

// Build-time variables set via ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen   string
		announce string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:           "bumper",
		Short:         "Self-hosted cloud for robot vacuums",
		Long:          "bumper runs the MQTT broker, XMPP server and command plane\nthat vacuum robots and their apps expect from the vendor cloud.",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("announce") {
				cfg.AnnounceIP = announce
			}
			if debug {
				cfg.Debug = true
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w\n\nbumper needs a CA, certificate and key; run \"bumper certgen\" to create them, or point BUMPER_CERTS at a directory containing them", err)
			}

			level := logging.LevelInfo
			if cfg.Debug {
				level = logging.LevelDebug
			}
			log := logging.New(logging.Config{Level: level, Format: logging.FormatText})

			return runServer(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0", "address to bind the servers to")
	cmd.Flags().StringVar(&announce, "announce", "", "address announced to devices (defaults to listen address)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newCertgenCmd())

	return cmd
}

func newCertgenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "certgen",
		Short: "Generate the CA and server certificate",
		Long:  "certgen creates a CA and a server certificate covering the vendor\nhostnames and the announce address, and writes them to the certs directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			created, err := certs.Ensure(cfg.CAFile, cfg.CertFile, cfg.KeyFile, cfg.AnnounceIP)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "certificates already present in %s\n", cfg.CertsDir)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, %s and %s\n", cfg.CAFile, cfg.CertFile, cfg.KeyFile)
			return nil
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Start(startCtx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	return srv.Stop(stopCtx)
}
