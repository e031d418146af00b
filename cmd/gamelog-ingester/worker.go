package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"gamelog-ingester/ingester"
	"gamelog-ingester/logging"
)

func workerCmd() *cobra.Command {
	var once bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued uploads in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := setup(cmd)
			if err != nil {
				return err
			}
			defer ingester.CloseDB(db)
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}

			runner, err := newRunner(cfg, db)
			if err != nil {
				return err
			}
			worker := ingester.NewWorker(db, runner, cfg.WorkerConfig())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if once {
				n, err := worker.Drain(ctx)
				logging.Info().Int("handled", n).Msg("queue drained")
				return err
			}
			return superviseWorker(ctx, worker, cfg.MetricsAddr)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Drain the queue once and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	return cmd
}

// superviseWorker runs the worker, and the metrics listener when addr is
// set, until ctx ends. Crashed services are restarted by the supervisor.
func superviseWorker(ctx context.Context, worker *ingester.Worker, addr string) error {
	log := logging.WithComponent("supervisor")
	sup := suture.New("gamelog-ingester", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Fields(ev.Map()).Msg(ev.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(worker)
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sup.Add(&metricsServer{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}})
		log.Info().Str("addr", addr).Msg("metrics listener enabled")
	}

	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// metricsServer adapts http.Server to suture.Service.
type metricsServer struct {
	srv *http.Server
}

func (m *metricsServer) String() string { return "metrics-http" }

func (m *metricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics listener shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}
