package main

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/forward"
	"csms/internal/httpapi"
	"csms/internal/logging"
	"csms/internal/ocpp"
	"csms/internal/remotesync"
	"csms/internal/repo"
	"csms/internal/security"
	"csms/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.FromEnv())
	if err != nil {
		log.Fatal(err)
	}
	defer logging.Sync(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer d.Close()

	chargers := repo.NewChargersRepo(d.Pool)
	transactions := repo.NewTransactionsRepo(d.Pool)
	meters := repo.NewMetersRepo(d.Pool)
	accounts := repo.NewAccountsRepo(d.Pool)
	state := repo.NewStateRepo(d.Pool)
	events := repo.NewEventsRepo(d.Pool)
	reservations := repo.NewReservationsRepo(d.Pool)
	commands := repo.NewCommandsRepo(d.Pool)
	nodes := repo.NewNodesRepo(d.Pool)

	var signKey *rsa.PrivateKey
	if cfg.PrivateKeyPath != "" {
		signKey, err = security.LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			logger.Warn("node key unavailable, forwarding and sync disabled", zap.Error(err))
		}
	}

	logs, err := store.NewLogStore(cfg.LogDir, cfg.SessionDir, cfg.SessionFlushCount,
		cfg.SessionLockPath, cfg.SessionLockPeriod, logger)
	if err != nil {
		logger.Fatal("opening log store", zap.Error(err))
	}
	defer logs.Close()

	st := store.New(logs, cfg.MaxConnsPerIP)
	defer st.Timers.Stop()

	var relay ocpp.Relay
	var forwarder *forward.Service
	if signKey != nil {
		forwarder = forward.NewService(cfg, chargers, nodes, signKey, logger)
		relay = forwarder
	}

	endpoint := ocpp.NewEndpoint(cfg, st, ocpp.Backend{
		Chargers:     chargers,
		Transactions: transactions,
		Meters:       meters,
		Accounts:     accounts,
		State:        state,
		Events:       events,
		Reservations: reservations,
	}, relay, logger)

	var sync *remotesync.Client
	if signKey != nil {
		sync = remotesync.NewClient(&http.Client{Timeout: cfg.SyncHTTPTimeout}, cfg.NodeID, signKey)
	}

	srv := httpapi.NewServer(cfg, logger, chargers, state, transactions, meters, commands, nodes, reservations, endpoint, sync)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if forwarder != nil {
		go forwarder.Run(runCtx)
	}

	go func() {
		logger.Info("csms listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stop()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpServer.Shutdown(ctx2)
	logger.Info("csms shutdown complete")
}
