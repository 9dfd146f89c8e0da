package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xgrind/spotdex/params"
	"github.com/0xgrind/spotdex/pkg/api"
	"github.com/0xgrind/spotdex/pkg/app/core/ledger"
	"github.com/0xgrind/spotdex/pkg/app/core/registry"
	"github.com/0xgrind/spotdex/pkg/app/exchange"
	"github.com/0xgrind/spotdex/pkg/storage"
	"github.com/0xgrind/spotdex/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("starting", "listen", cfg.Node.ListenAddr, "db", cfg.Node.DBPath,
		"owner", cfg.Exchange.Owner.Hex())

	store, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	// NopBridge: external asset movement is acknowledged without an actual
	// chain settlement. A production deployment injects a bridge that talks
	// to the custody layer.
	ldg, err := ledger.New(store, ledger.NopBridge{})
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}

	reg, err := registry.New(store, registry.OwnerAuth{Owner: cfg.Exchange.Owner})
	if err != nil {
		sugar.Fatalw("registry_init_failed", "err", err)
	}

	ex, err := exchange.New(store, ldg, reg, sugar)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	server := api.NewServer(ex, cfg.Exchange.CORSOrigins, sugar)
	ex.SetEvents(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Node.ListenAddr) }()

	select {
	case err := <-errCh:
		sugar.Fatalw("api_server_failed", "err", err)
	case <-ctx.Done():
		sugar.Info("shutting down")
	}
}
