package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/health"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/service"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		listen   string
		interval time.Duration
		keep     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enable the firewall, export metrics and disable it again on exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				if listen == "" {
					listen = e.cfg.Metrics.Listen
				}
				return e.run(cmd.Context(), listen, interval, keep)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address, e.g. 127.0.0.1:9187 (default from the config file)")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Second, "Status collection interval")
	cmd.Flags().BoolVar(&keep, "keep", false, "Leave the firewall installed on exit")
	return cmd
}

func (e *env) run(ctx context.Context, listen string, interval time.Duration, keep bool) error {
	log := e.logger.WithComponent("run")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.svc.Enable(ctx, e.progress()); err != nil {
		return err
	}

	collector := metrics.NewCollector(e.metrics, e.svc.MetricsSource(), e.logger, interval)
	go collector.Start(ctx)
	defer collector.Stop()

	var srv *http.Server
	errCh := make(chan error, 1)
	if listen != "" {
		mux := http.NewServeMux()
		checker := e.checker()
		checker.Register("metrics-collector", health.CollectorCheck(collector, 3*interval))
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", checker.Handler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/livez", health.LivenessHandler())
		srv = &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", "addr", listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("metrics server failed", "error", runErr)
	}

	if srv != nil {
		shutdownServer(srv, 5*time.Second, log)
	}

	if !keep {
		if err := e.svc.DisableWithRetry(context.Background(), service.DefaultRetryConfig(), e.progress()); err != nil {
			log.Error("failed to disable firewall", "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	return runErr
}

// shutdownServer drains srv within timeout. In-flight requests still
// running at the deadline are cut off and reported.
func shutdownServer(srv *http.Server, timeout time.Duration, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		log.Warn("metrics server shutdown", "error", err)
		srv.Close()
	}
	return err
}
