package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ctxbus/internal/config"
	"github.com/danmuck/ctxbus/internal/endpoint"
	"github.com/danmuck/ctxbus/internal/hub"
	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/observability"
	"github.com/danmuck/ctxbus/internal/runtime"
	"github.com/danmuck/ctxbus/internal/transport/wsock"
	"github.com/spf13/cobra"
)

func newHubCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the hub with its websocket listener and admin routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadHubConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHub(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to hub TOML config")

	return cmd
}

func runHub(ctx context.Context, cfg config.HubConfig) error {
	logging.ConfigureRuntime()
	metrics := observability.NewMetrics()
	h := hub.New(hub.Config{Session: cfg.SessionConfig(), Observer: metrics})
	defer h.Close()

	bg := endpoint.NewBackground(h)
	bg.OnMessage("ping", func(context.Context, runtime.Message) (any, error) {
		return "pong", nil
	})
	bg.OnMessage("bus.connections", func(context.Context, runtime.Message) (any, error) {
		return h.Connections(), nil
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, wsock.NewServer(h.Attach))
	servers := []*http.Server{{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.AdminAddr != "" {
		admin := observability.AdminRouter(h, metrics, cfg.CorsOrigins)
		servers = append(servers, &http.Server{Addr: cfg.AdminAddr, Handler: admin, ReadHeaderTimeout: 10 * time.Second})
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logging.Infof("busctl.hub listen addr=%s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(srv)
	}

	var err error
	select {
	case <-ctx.Done():
		logging.Infof("busctl.hub shutdown")
	case err = <-errs:
		logging.Errf("busctl.hub listen err=%v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
