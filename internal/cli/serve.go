package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/screeem/screeem/adapters/prometheus"
	"github.com/screeem/screeem/internal/timeline"
)

var errNoPoster = errors.New("no external poster is built in, set SCREEEM_DRY_RUN=true")

func newServeCmd(a *app) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the posts projector, the publisher and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), publish)
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", true, "run the scheduled post publisher")
	return cmd
}

func (a *app) serve(ctx context.Context, publish bool) error {
	if publish && !a.cfg.DryRun {
		return errNoPoster
	}

	reg := prometheus.NewRegistry()
	m := prometheus.NewESMetrics(reg)

	b, err := openBackend(ctx, a.cfg, a.log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Warn("close backend", slog.Any("error", err))
		}
	}()

	projector := postsProjector(a.cfg, a.log, m, b)
	if err := projector.Start(ctx); err != nil {
		return fmt.Errorf("start posts projector: %w", err)
	}
	defer projector.Stop()

	svc := newService(a.cfg, a.log, m, b)
	defer svc.Close()

	if publish {
		publisher := timeline.NewPublisher(svc, b.readModel, timeline.DryRunPoster{Log: a.log}, timeline.PublisherConfig{
			Schedule: a.cfg.PublishSchedule,
			Batch:    a.cfg.PublishBatch,
			Log:      a.log,
			Metrics:  prometheus.NewPublisherMetrics(reg),
		})
		if err := publisher.Start(ctx); err != nil {
			return err
		}
		defer publisher.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(prometheus.Handler(reg)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func metricsMux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
