package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/qubed/pkg/cgroup"
	"github.com/cuemby/qubed/pkg/lifecycle"
	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/metrics"
	"github.com/cuemby/qubed/pkg/supervisor"
)

const shutdownGrace = 5 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor loop and metrics endpoint in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if err := cgroup.InitRoot(); err != nil {
			return fmt.Errorf("initialize cgroup root: %w", err)
		}

		mgr := lifecycle.NewManager()
		sup := supervisor.New(mgr)
		sup.Start()
		defer sup.Stop()

		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		go func() {
			log.WithComponent("daemon").Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("daemon").Error().Err(err).Msg("metrics server exited")
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.WithComponent("daemon").Info().Msg("qubed daemon running")
		<-ctx.Done()

		log.WithComponent("daemon").Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	daemonCmd.Flags().String("metrics-addr", ":9090", "Address the Prometheus metrics endpoint listens on")
}
