package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/screeem/screeem/adapters/prometheus"
	"github.com/screeem/screeem/core/es"
)

const loadtestStreamType = "loadtest"

type loadtestOpts struct {
	events  int
	streams int
	writers int
	report  int
}

func newLoadtestCmd(a *app) *cobra.Command {
	o := loadtestOpts{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Append events from concurrent writers and verify the stream sequences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, prometheus.NewESMetrics(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			return runLoadtest(ctx, b.store, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&o.events, "events", "n", 10_000, "events to append in total")
	cmd.Flags().IntVarP(&o.streams, "streams", "s", 10, "streams to spread the events over")
	cmd.Flags().IntVarP(&o.writers, "writers", "w", 4, "concurrent writers per stream")
	cmd.Flags().IntVar(&o.report, "report", 1_000, "print a progress line every n events")
	return cmd
}

type loadtestResult struct {
	appended  int64
	conflicts int64
	took      time.Duration
}

// runLoadtest has every writer append single events to its stream at the
// version it last read, retrying on conflicts, and then checks that each
// stream is gap free and that the global sequence only grows.
func runLoadtest(ctx context.Context, store es.EventStore, o loadtestOpts, out io.Writer) error {
	if o.events <= 0 || o.streams <= 0 || o.writers <= 0 {
		return fmt.Errorf("events, streams and writers must be positive")
	}
	if o.report <= 0 {
		o.report = o.events
	}

	run := uuid.NewString()[:8]
	streamIDs := make([]string, o.streams)
	for i := range streamIDs {
		streamIDs[i] = fmt.Sprintf("loadtest-%s-%d", run, i)
	}
	payload, _ := json.Marshal(map[string]string{"run": run})
	meta := es.NewMetadata("loadtest")

	var (
		res       loadtestResult
		remaining = int64(o.events)
		lastAt    = time.Now()
	)
	start := lastAt
	progress := make(chan int64, o.streams*o.writers)

	g, gctx := errgroup.WithContext(ctx)
	for _, streamID := range streamIDs {
		for range o.writers {
			g.Go(func() error {
				for atomic.AddInt64(&remaining, -1) >= 0 {
					for {
						events, err := store.GetStream(gctx, streamID)
						if err != nil {
							return err
						}
						_, err = store.Append(gctx, streamID, loadtestStreamType, []es.Event{{Type: "Appended", Payload: payload}}, es.Version(len(events)), meta)
						if err == nil {
							break
						}
						if !es.IsConflict(err) {
							return err
						}
						atomic.AddInt64(&res.conflicts, 1)
					}
					progress <- atomic.AddInt64(&res.appended, 1)
				}
				return nil
			})
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range progress {
			if n%int64(o.report) != 0 {
				continue
			}
			now := time.Now()
			took := now.Sub(lastAt)
			lastAt = now
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			_, _ = fmt.Fprintf(out, "| %7d events | %6d ms | %7d events/s | %4d / %4d MiB heap/sys |\n",
				n, took.Milliseconds(), int(float64(o.report)/took.Seconds()), mem.Alloc>>20, mem.Sys>>20)
		}
	}()

	err := g.Wait()
	close(progress)
	<-done
	if err != nil {
		return err
	}
	res.took = time.Since(start)

	if err := verifyLoadtest(ctx, store, streamIDs, res.appended); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "appended %d events to %d streams in %.3fs (%d events/s), %d conflicts retried, sequences verified\n",
		res.appended, o.streams, res.took.Seconds(), int(float64(res.appended)/res.took.Seconds()), res.conflicts)
	return err
}

func verifyLoadtest(ctx context.Context, store es.EventStore, streamIDs []string, want int64) error {
	var total int64
	for _, id := range streamIDs {
		events, err := store.GetStream(ctx, id)
		if err != nil {
			return err
		}
		for i, ev := range events {
			if ev.StreamSequence != es.Version(i+1) {
				return fmt.Errorf("stream %s: event %d has stream sequence %d", id, i, ev.StreamSequence)
			}
			if i > 0 && ev.Sequence <= events[i-1].Sequence {
				return fmt.Errorf("stream %s: sequence %d after %d", id, ev.Sequence, events[i-1].Sequence)
			}
		}
		total += int64(len(events))
	}
	if total != want {
		return fmt.Errorf("found %d events, appended %d", total, want)
	}
	return nil
}
