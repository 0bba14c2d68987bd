// Command coronet-echo runs a TCP echo server on a coronet pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/webriots/coronet"
	obs "github.com/webriots/coronet/metrics/prometheus"
)

func main() {
	app := &cli.App{
		Name:  "coronet-echo",
		Usage: "TCP echo server running on a coronet pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   "127.0.0.1:7007",
				Usage:   "listen address (host:port)",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "worker count (0 uses GOMAXPROCS)",
			},
			&cli.IntFlag{
				Name:  "max-conns",
				Value: 1024,
				Usage: "maximum concurrent connections",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "trace, debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address (disabled when empty)",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Value: 5 * time.Second,
				Usage: "time to drain connections before forcing shutdown",
			},
		},
		Action: serveAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveAction(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid log level: %v", err), 1)
	}
	if c.Int("max-conns") < 1 {
		return cli.Exit("max-conns must be at least 1", 1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	reg := prom.NewRegistry()
	exporter, err := obs.NewExporter("", reg, obs.ExporterOptions{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("metrics: %v", err), 1)
	}

	b := coronet.NewBuilder().NamePrefix("echo").Logger(log).Metrics(exporter)
	if n := c.Int("workers"); n > 0 {
		b = b.Workers(n)
	}
	tp, err := b.Build()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := c.String("metrics-addr"); addr != "" {
		shutdownMetrics, err := serveMetrics(ctx, addr, reg, tp)
		if err != nil {
			return cli.Exit(fmt.Sprintf("metrics: %v", err), 1)
		}
		defer shutdownMetrics()
	}

	limit := coronet.NewSemaphore(c.Int("max-conns"))
	_, err = coronet.BlockOn(ctx, tp.Handle, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, acceptLoop(ctx, c.String("addr"), limit, log)
	})

	drain, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	if serr := tp.Shutdown(drain); serr != nil {
		log.Warn().Err(serr).Msg("forced shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, coronet.ErrCanceled) {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	return nil
}

func acceptLoop(ctx context.Context, addr string, limit *coronet.Semaphore, log zerolog.Logger) error {
	ln, err := coronet.Bind(ctx, addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info().Stringer("addr", ln.Addr()).Msg("echo server listening")
	for st, err := range ln.Incoming(ctx) {
		if err != nil {
			return err
		}
		if err := limit.Acquire(ctx); err != nil {
			_ = st.Close()
			return err
		}
		if _, err := coronet.Go(ctx, func(ctx context.Context) (struct{}, error) {
			defer limit.Release()
			return struct{}{}, echo(ctx, st, log)
		}); err != nil {
			limit.Release()
			_ = st.Close()
			return err
		}
	}
	return nil
}

func echo(ctx context.Context, st *coronet.TCPStream, log zerolog.Logger) error {
	peer, _ := st.PeerAddr()
	_ = st.SetNoDelay(true)

	r, w := st.Split()
	defer r.Close()
	defer w.Close()

	n, err := io.Copy(coronet.AsWriter(ctx, w), coronet.AsReader(ctx, r))
	log.Debug().Stringer("peer", peer).Int64("bytes", n).Err(err).Msg("connection closed")
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prom.Registry, tp *coronet.Threadpool) (func(), error) {
	poller, err := obs.NewStatsPoller("", reg, time.Second)
	if err != nil {
		return nil, err
	}
	poller.AddPool("", tp)
	poller.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		_ = server.ListenAndServe()
	}()

	return func() {
		poller.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}, nil
}
