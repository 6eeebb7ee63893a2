package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/metrics"
	"github.com/m-mizutani/memvault/pkg/resource"
	mcpsrv "github.com/m-mizutani/memvault/pkg/service/mcp"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg         flagConfig
		metricsAddr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "Listen address of the Prometheus endpoint, disabled when empty",
			Sources:     cli.EnvVars("MEMVAULT_METRICS_ADDR"),
			Destination: &metricsAddr,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	cfg.allowInMemory = true

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve memory tools over MCP on stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			var opts []resource.Option
			registry := prometheus.NewRegistry()
			if metricsAddr != "" {
				opts = append(opts, resource.WithRegisterer(registry))
			}

			ctx, mgr, err := cfg.open(ctx, c, opts...)
			if err != nil {
				return err
			}
			defer mgr.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           metricsMux(registry),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					logging.From(ctx).Info("metrics endpoint listening", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.From(ctx).Error("metrics endpoint stopped", logging.ErrAttr(err))
						cancel()
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			logging.From(ctx).Info("mcp server started", "transport", "stdio")
			if err := mcpsrv.NewServer(mgr.Memory).Serve(ctx, &mcp.StdioTransport{}); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return goerr.Wrap(err, "mcp server failed")
			}
			return nil
		},
	}
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}
