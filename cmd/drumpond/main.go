// drumpond runs a relay and its log sink.
//
// By default both are started on localhost: the relay on port 7581 and
// the sink on port 9488. When a client stops the relay, the sink is
// stopped as well. Send SIGUSR1 to dump the metrics on stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/drumpond"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config, err := parseConfig(args)
	if err != nil {
		return err
	}

	opts, err := config.Options()
	if err != nil {
		return err
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	sig := metrics.DefaultInmemSignal(inm)
	defer sig.Stop()

	logCfg, _ := config.Log.handlerConfig()
	handler, logCloser, err := drumpond.NewLogHandler(logCfg, opts...)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger := slog.New(handler)
	opts = append(opts,
		drumpond.WithLog(handler),
		drumpond.WithMetricSink(inm),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink *drumpond.Sink
	var sinkCloser io.Closer
	if config.Mode != ModeRelay {
		sinkCfg, _ := config.SinkOutput.handlerConfig()
		out, closer, err := drumpond.NewLogHandler(sinkCfg, opts...)
		if err != nil {
			return err
		}
		sinkCloser = closer

		sink, err = drumpond.NewSink(config.SinkAddr, out, opts...)
		if err != nil {
			return err
		}
	}

	var relay *drumpond.Server
	if config.Mode != ModeSink {
		relay, err = drumpond.NewServer(config.RelayAddr, opts...)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if sink != nil {
		g.Go(func() error {
			defer sinkCloser.Close()
			return sink.Run(gctx)
		})
	}

	if relay != nil {
		g.Go(func() error {
			err := relay.Run(gctx)
			if err != nil {
				return err
			}
			logger.Info("relay stopped, stopping the log sink")

			if ship, ok := handler.(*drumpond.ShipHandler); ok {
				quitCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
				defer cancel()
				if err := ship.Quit(quitCtx); err != nil {
					logger.Warn("could not ask the log sink to quit", drumpond.LabelError.L(err))
				}
			}
			if sink != nil {
				sink.RequestStop()
			}
			return nil
		})
	}

	logger.Info("drumpond started", "mode", config.Mode, "network", config.Network)
	return g.Wait()
}
