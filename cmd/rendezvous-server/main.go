// Command rendezvous-server runs the pairing service described in
// spec.md §4.7: it accepts long-lived WebSocket connections from
// fastxfer peers, pairs a host and a guest by a short room code, and
// relays their offer/answer/ice-candidate descriptors until the two
// peers have established their direct bulk-transfer channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AkaakuHub/fast-transfre/internal/config"
	"github.com/AkaakuHub/fast-transfre/internal/logging"
	"github.com/AkaakuHub/fast-transfre/internal/rendezvous"
)

func main() {
	configPath := flag.String("config", "/etc/fastxfer/rendezvous.yaml", "path to rendezvous server config file")
	flag.Parse()

	cfg, err := config.LoadRendezvousConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	var history *rendezvous.HistorySink
	if cfg.History.Enabled {
		history, err = rendezvous.NewHistorySink(cfg.History.File)
		if err != nil {
			logger.Error("opening session history sink", "error", err)
			os.Exit(1)
		}
		defer history.Close()
	}

	srv := rendezvous.NewServer(logger, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting rendezvous server", "listen", cfg.Listen, "tls", cfg.TLS.Enabled())
	if err := srv.Run(ctx, cfg.Listen, cfg.TLS.ServerCert, cfg.TLS.ServerKey); err != nil {
		logger.Error("rendezvous server exited with error", "error", err)
		os.Exit(1)
	}
}
