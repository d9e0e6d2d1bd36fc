package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"snapstream/agent/internal/agent"
	"snapstream/agent/internal/config"
	"snapstream/agent/internal/mtls"
)

func newCertsCmd() *cobra.Command {
	certs := &cobra.Command{
		Use:   "certs",
		Short: "Inspect the configured certificate material",
	}

	var dial bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Load the CA, client certificate and key and check they form a usable identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			bundle, err := agent.LoadCredentials(cfg.TLS)
			if err != nil {
				return fmt.Errorf("credentials: %w", err)
			}
			minVersion, err := mtls.ParseMinVersion(cfg.TLS.MinVersion)
			if err != nil {
				return err
			}
			factory, err := mtls.Build(bundle, mtls.Options{MinVersion: minVersion, ServerName: cfg.TLS.ServerName, HandshakeTimeout: cfg.Broker.ConnectTimeout})
			if err != nil {
				return err
			}
			defer factory.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, bundle.Summary())
			if bundle.ExpiresWithin(30 * 24 * time.Hour) {
				fmt.Fprintln(out, "warning: a certificate expires within 30 days")
			}
			if !dial {
				fmt.Fprintln(out, "ok")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.ConnectTimeout)
			defer cancel()
			conn, err := factory.Dial(ctx, cfg.Broker.Host, cfg.Broker.Port)
			if err != nil {
				return fmt.Errorf("handshake with %s: %w", cfg.Broker.Addr(), err)
			}
			_ = conn.Close()
			fmt.Fprintf(out, "handshake with %s ok\n", cfg.Broker.Addr())
			return nil
		},
	}
	verify.Flags().BoolVar(&dial, "dial", false, "also complete a TLS handshake with the broker")

	certs.AddCommand(verify)
	return certs
}
