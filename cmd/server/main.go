package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/ephemeral-chat/internal/api"
	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/config"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/notify"
	"github.com/npezzotti/ephemeral-chat/internal/server"
	"github.com/npezzotti/ephemeral-chat/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[ephemeral-chat] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config:", err)
	}

	flag.StringVar(&addr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&dsn, "dsn", cfg.DatabaseDSN, "database connection string, in-memory store when empty")
	flag.StringVar(&signingKey, "signing-key", cfg.SigningSecret, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg.ServerAddr = addr
	cfg.DatabaseDSN = dsn
	cfg.SigningSecret = signingKey
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	var store database.RoomStore
	if cfg.DatabaseDSN == "" {
		logger.Println("no database configured, rooms are kept in memory")
		store = database.NewMemoryRoomStore()
	} else {
		pg, err := database.NewPgRoomStore(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Println("db close:", err)
			}
		}()

		if err := pg.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
		store = pg
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier := auth.NewVerifier(logger, store, notify.NewLogNotifier(logger), auth.Options{
		SigningKey:       cfg.SigningKey,
		ChallengeTTL:     cfg.ChallengeTTL,
		IdentityTokenTTL: cfg.IdentityTokenTTL,
		MaxAttempts:      cfg.MaxCodeAttempts,
	})
	go verifier.Run(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, store, verifier, statsUpdater, server.Options{
		IdleRoomTimeout: cfg.IdleRoomTimeout,
		SweepInterval:   cfg.SweepInterval,
		MessagesPerSec:  cfg.MessagesPerSec,
		MessageBurst:    cfg.MessageBurst,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, store, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	cancel()

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
