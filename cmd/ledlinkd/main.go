// Command ledlinkd runs a peer broadcast link station.
//
// It brings up the configured transport, logs every message it receives
// and, with -stdin, broadcasts each line read from standard input.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/ledlink-go/device/node"
	"github.com/kabili207/ledlink-go/internal/config"
	"github.com/kabili207/ledlink-go/transport"
	"github.com/kabili207/ledlink-go/transport/mqtt"
	"github.com/kabili207/ledlink-go/transport/serial"
)

func main() {
	configPath := flag.String("config", "ledlinkd.toml", "path to the TOML configuration file")
	fromStdin := flag.Bool("stdin", false, "broadcast each line read from standard input")
	statsEvery := flag.Duration("stats", time.Minute, "interval between statistics log lines (0 disables)")
	flag.Parse()

	if err := run(*configPath, *fromStdin, *statsEvery); err != nil {
		fmt.Fprintf(os.Stderr, "ledlinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, fromStdin bool, statsEvery time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	var tr transport.Transport
	switch cfg.Transport {
	case config.TransportSerial:
		tr = serial.New(cfg.SerialTransport(logger))
	case config.TransportMQTT:
		tr = mqtt.New(cfg.MQTTTransport(logger))
	}

	nodeCfg := cfg.NodeSettings(logger)
	nodeCfg.Transport = tr
	n := node.New(nodeCfg)
	n.SetMinRSSI(cfg.Node.MinRSSI)
	n.SetMessageHandler(func(msg node.Message) {
		logger.Info("message received",
			"src", msg.Source.String(),
			"bytes", len(msg.Data),
			"fragmented", msg.Fragmented,
			"rssi", msg.RSSI,
			"data", string(msg.Data))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return n.Stop()
	})

	if statsEvery > 0 {
		g.Go(func() error {
			logStats(ctx, logger, n, statsEvery)
			return nil
		})
	}

	if fromStdin {
		g.Go(func() error {
			return broadcastLines(ctx, logger, n)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// broadcastLines sends each non-empty stdin line. It returns when stdin is
// exhausted or ctx is done.
func broadcastLines(ctx context.Context, logger *slog.Logger, n *node.Node) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 4096), 64*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if line == "" {
				continue
			}
			if err := n.SendSync(ctx, []byte(line)); err != nil {
				logger.Warn("broadcast failed", "bytes", len(line), "error", err)
				continue
			}
			logger.Debug("broadcast sent", "bytes", len(line))
		}
	}
}

func logStats(ctx context.Context, logger *slog.Logger, n *node.Node, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := n.Counters().Snapshot()
			r := n.ReassemblyCounters().Snapshot()
			logger.Info("link statistics",
				"datagrams_recv", s.DatagramsRecv,
				"datagrams_sent", s.DatagramsSent,
				"messages_recv", s.MessagesRecv,
				"messages_sent", s.MessagesSent,
				"rejected_self", s.RejectedSelf,
				"rejected_weak", s.RejectedWeak,
				"rx_dropped", s.RxDropped,
				"malformed", s.Malformed,
				"preempted", r.Preempted,
				"expired", r.Expired,
				"last_rssi", n.LastRSSI(),
				"neighbors", n.Neighbors().Len())
		}
	}
}
