package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"snapstream/agent/internal/agent"
	"snapstream/agent/internal/config"
	"snapstream/agent/internal/console"
	"snapstream/agent/internal/control"
	"snapstream/agent/internal/logger"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var tui bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, config.Get(), tui)
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "show the interactive console")
	return cmd
}

func run(ctx context.Context, cfg config.AppConfig, tui bool) error {
	log := logger.WithComponent("main")

	a := agent.New(cfg, agent.Deps{})
	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info().Stringer("device", a.DeviceID()).Str("label", a.Label()).Msg("agent running")

	var api *control.Server
	if cfg.Control.Addr != "" {
		api = control.New(a, logger.WithComponent("control"))
		if _, err := api.Start(cfg.Control.Addr); err != nil {
			log.Error().Err(err).Msg("control API disabled")
			api = nil
		}
	}

	if tui {
		if err := console.Run(ctx, a); err != nil {
			log.Error().Err(err).Msg("console exited")
		}
	} else {
		<-ctx.Done()
	}
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if api != nil {
		if err := api.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("control API shutdown")
		}
	}
	return a.Stop(sctx)
}
