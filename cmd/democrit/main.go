package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/democrit/params"
	"github.com/uhyunpark/democrit/pkg/api"
	"github.com/uhyunpark/democrit/pkg/app/assets"
	"github.com/uhyunpark/democrit/pkg/app/democrit"
	"github.com/uhyunpark/democrit/pkg/chain"
	"github.com/uhyunpark/democrit/pkg/p2p"
	"github.com/uhyunpark/democrit/pkg/state"
	"github.com/uhyunpark/democrit/pkg/storage"
	"github.com/uhyunpark/democrit/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	envPath := flag.String("env", "", ".env file (default: ./.env if present)")
	flag.Parse()

	// Priority: ENV > .env file > TOML file > defaults
	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	level, _ := util.ParseLevel(cfg.Log.Level)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", level.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.DataDir, cfg.Account))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	st, err := state.Open(store, cfg.Account, sugar.Named("state"))
	if err != nil {
		sugar.Fatalw("state_open_failed", "err", err)
	}

	// ---- Chain and game ----
	xaya, err := chain.Dial(ctx, cfg.Chain.XayaRPCURL)
	if err != nil {
		sugar.Fatalw("xaya_dial_failed", "err", err)
	}
	defer xaya.Close()

	if cfg.GameID != assets.NonFungibleGameID {
		sugar.Fatalw("unsupported_game", "game_id", cfg.GameID)
	}
	spec, err := assets.DialNonFungible(ctx, cfg.Chain.GspRPCURL)
	if err != nil {
		sugar.Fatalw("gsp_dial_failed", "err", err)
	}
	defer spec.Close()

	// ---- Daemon ----
	d, err := democrit.New(democrit.Config{
		Account:         cfg.Account,
		Spec:            spec,
		Xaya:            xaya,
		State:           st,
		OrderStore:      store,
		FeeRate:         cfg.Trading.FeeRate,
		StaleAfter:      cfg.Trading.StaleAfter,
		OrderTimeout:    cfg.Trading.OrderTimeout,
		ArchiveInterval: cfg.Trading.ArchiveInterval,
		SweepInterval:   cfg.Trading.SweepInterval,
		Logger:          sugar.Named("democrit"),
	})
	if err != nil {
		sugar.Fatalw("daemon_init_failed", "err", err)
	}

	// ---- Transport ----
	signer, err := p2p.LoadIdentity(store, cfg.P2P.KeyHex, sugar)
	if err != nil {
		sugar.Fatalw("identity_load_failed", "err", err)
	}
	net, err := p2p.NewNet(ctx, p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Bootstrap:  cfg.P2P.Bootstrap,
		GameID:     cfg.GameID,
		Account:    cfg.Account,
		Signer:     signer,
		Pins:       p2p.NewPins(store),
		Handler:    d,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()
	d.SetTransport(net)
	for _, a := range net.Addrs() {
		sugar.Infow("p2p_address", "addr", a)
	}

	// ---- API Server ----
	apiServer := api.NewServer(d, cfg.API.AllowedOrigins, sugar.Named("api"))
	d.SetNotifier(apiServer.Hub())

	sugar.Infow("node_starting",
		"account", cfg.Account,
		"game", cfg.GameID,
		"fee_rate", cfg.Trading.FeeRate,
		"api", cfg.API.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return apiServer.Start(gctx, cfg.API.Addr) })
	if err := g.Wait(); err != nil {
		sugar.Errorw("node_failed", "err", err)
		return
	}
	sugar.Infow("node_stopped")
}
