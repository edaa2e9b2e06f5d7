package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"proxyprobe/internal/download"
	"proxyprobe/internal/probe"
	"proxyprobe/internal/service/web"
	"proxyprobe/internal/shared/logger"
	manager "proxyprobe/proxypool"
	"proxyprobe/proxypool/storage"
	"proxyprobe/proxypool/validator"
)

func newServeCommand(g *globals) *cobra.Command {
	var (
		port   int
		noPool bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web API, the websocket feed and the proxy pool scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			if port > 0 {
				cfg.WebConf.Port = port
			}
			l := logger.WithComponent("Serve")

			prober, err := probe.New(probe.OptionsFromConfig(cfg.ProbeConf))
			if err != nil {
				return err
			}
			scheme, err := probe.ParseScheme(cfg.PoolConf.DefaultScheme)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := web.NewMetrics(reg)

			hub := web.NewHub()
			go hub.Run(ctx)

			var (
				pool web.PoolController
				mgr  *manager.Manager
			)
			if !noPool {
				sources, err := manager.SourcesFromConfig(cfg.PoolConf)
				if err != nil {
					return err
				}
				mgr = manager.NewManager(cfg.PoolConf, storage.NewFileStorage(cfg.PoolConf.DataFile), validator.NewValidator(prober, cfg.ProbeConf.Concurrency))
				for _, s := range sources {
					mgr.AddSource(s)
				}
				pool = mgr
				metrics.RegisterPoolSize(reg, func() float64 { return float64(len(mgr.GetAll())) })
			}

			handler := web.NewHandler(prober, cfg.ProbeConf.Concurrency, scheme, pool, download.New(cfg.DownloadConf), cfg.DownloadConf.Dir, hub, metrics)
			if mgr != nil {
				mgr.SetResultHook(handler.ObservePoolResult)
				mgr.Start()
			}

			server := web.NewServer(cfg.WebConf, handler, hub, reg)
			if _, err := server.Start(); err != nil {
				if mgr != nil {
					mgr.Stop()
				}
				return err
			}

			<-ctx.Done()
			l.Info().Msg("Shutdown signal received.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				l.Warn().Err(err).Msg("Web server shutdown incomplete.")
			}
			if mgr != nil {
				mgr.Stop()
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override [web] port")
	cmd.Flags().BoolVar(&noPool, "no-pool", false, "serve probe endpoints only, without the proxy pool")
	return cmd
}
