// Command conio-echo runs a line echo server or a pooled client
// against it.
//
// Usage:
//
//	conio-echo -mode server -config server.yaml
//	conio-echo -mode client -addr 127.0.0.1:9400 -workers 8 -lines 1000
//
// The server answers PING with PONG and echoes every other line. The
// client keeps its connections in a Pool whose heartbeat speaks the
// same PING/PONG exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/webriots/conio"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conio-echo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", "127.0.0.1:9400", "server address (client mode)")
	workers := flag.Int("workers", 8, "concurrent client workers")
	lines := flag.Int("lines", 1000, "lines sent by each client worker")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	flag.Parse()

	fc := &conio.FileConfig{
		Group: conio.DefaultGroupConfig(),
		Pool:  conio.DefaultPoolConfig(),
		Log:   conio.LogConfig{Level: "info"},
	}
	if *configPath != "" {
		var err error
		if fc, err = conio.LoadConfigFile(*configPath); err != nil {
			return err
		}
	}

	log, err := conio.NewLogger(fc.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	fc.Group.Logger = log
	fc.Group.Registerer = reg
	fc.Pool.Logger = log
	fc.Pool.Registerer = reg

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		return serve(ctx, log, fc.Group)
	case "client":
		return drive(ctx, log, fc.Group, fc.Pool, *addr, *workers, *lines)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func serve(ctx context.Context, log *zap.Logger, cfg conio.GroupConfig) error {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
		cfg.Port = 9400
	}
	cfg.Initializer = conio.InitializerFunc(func(ch conio.Channel, serverSide bool) {
		ch.SetHandler(conio.HandlerFunc(echoLines))
	})

	g, err := conio.NewGroup(cfg)
	if err != nil {
		return err
	}
	if err := g.Start(); err != nil {
		return err
	}
	log.Info("serving", zap.Stringer("addr", g.Addr()))

	select {
	case <-ctx.Done():
		g.Shutdown()
	case <-g.Done():
	}
	g.Await()
	return nil
}

func echoLines(co *conio.Co, ch conio.Channel) {
	for {
		line, err := conio.ReadLine(co, ch)
		if err != nil {
			return
		}
		reply := append(line, '\n')
		if string(line) == conio.DefaultLinePingCodec.Request {
			reply = []byte(conio.DefaultLinePingCodec.Response + "\n")
		}
		if err := conio.WriteFull(co, ch, reply); err != nil {
			return
		}
	}
}

func drive(ctx context.Context, log *zap.Logger, gcfg conio.GroupConfig, pcfg conio.PoolConfig, addr string, workers, lines int) error {
	gcfg.Host = ""
	g, err := conio.NewGroup(gcfg)
	if err != nil {
		return err
	}
	if pcfg.HeartbeatInterval > 0 {
		pcfg.HeartbeatCodec = conio.DefaultLinePingCodec
	}
	pool, err := conio.NewPool(g, pcfg)
	if err != nil {
		return err
	}
	if err := g.Start(); err != nil {
		return err
	}

	start := time.Now()
	var sent, echoed int
	result := make(chan error, 1)
	err = g.Go("driver", func(co *conio.Co) {
		eg := co.ErrGroup()
		for w := 0; w < workers; w++ {
			eg.Go(fmt.Sprintf("worker-%d", w), func(c *conio.Co) error {
				for i := 0; i < lines; i++ {
					if eg.Context().Err() != nil {
						return nil
					}
					out, in, err := roundTrip(c, pool, addr, fmt.Sprintf("worker %d line %d", w, i))
					sent += out
					echoed += in
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		err := eg.Wait()
		_ = pool.Close(co)
		result <- err
	})
	if err != nil {
		return err
	}

	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	g.Shutdown()
	g.Await()

	log.Info("client done",
		zap.Int("sent_bytes", sent),
		zap.Int("echoed_bytes", echoed),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}

func roundTrip(co *conio.Co, pool *conio.Pool, addr, msg string) (sent, echoed int, err error) {
	pc, err := pool.Acquire(co, addr, conio.SinglePriority)
	if err != nil {
		return 0, 0, err
	}
	defer pc.Close()

	out := []byte(msg + "\n")
	if err := conio.WriteFull(co, pc, out); err != nil {
		return 0, 0, err
	}
	line, err := conio.ReadLine(co, pc)
	if err != nil {
		return len(out), 0, err
	}
	if string(line) != msg {
		return len(out), len(line) + 1, fmt.Errorf("echo mismatch: sent %q, got %q", msg, line)
	}
	return len(out), len(line) + 1, nil
}
