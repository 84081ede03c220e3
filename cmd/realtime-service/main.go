package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mahtamzz/Reve-sub002/broadcast"
	"github.com/mahtamzz/Reve-sub002/config"
	"github.com/mahtamzz/Reve-sub002/consumer"
	"github.com/mahtamzz/Reve-sub002/gateway"
	"github.com/mahtamzz/Reve-sub002/membership"
	"github.com/mahtamzz/Reve-sub002/pkg/otelhelper"
	"github.com/mahtamzz/Reve-sub002/presence"
	"github.com/mahtamzz/Reve-sub002/registry"
	"github.com/mahtamzz/Reve-sub002/store"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Realtime Service", "nats_url", cfg.NatsURL, "listen", cfg.ListenAddr)

	// Connect to PostgreSQL with otelsql for automatic query tracing
	db, err := otelsql.Open("postgres", cfg.DatabaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	for attempt := 1; attempt <= 30; attempt++ {
		err = db.Ping()
		if err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("realtime-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("NATS reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	// Stores
	messages, err := store.NewMessages(db)
	if err != nil {
		slog.Error("Failed to prepare message store", "error", err)
		os.Exit(1)
	}
	defer messages.Close()

	ledger, err := store.NewLedger(db)
	if err != nil {
		slog.Error("Failed to prepare event ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	minutes, err := store.NewMinutes(db)
	if err != nil {
		slog.Error("Failed to prepare minutes store", "error", err)
		os.Exit(1)
	}
	defer minutes.Close()

	users, err := store.NewUsers(db)
	if err != nil {
		slog.Error("Failed to prepare user cache", "error", err)
		os.Exit(1)
	}
	defer users.Close()

	// Credential verification against the issuer's JWKS
	verifier, err := membership.NewTokenVerifier(cfg.JWKSURL, cfg.Issuer)
	if err != nil {
		slog.Error("Failed to load JWKS", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	oracle := membership.NewNatsOracle(nc, cfg.MembershipTimeout)

	// Core components
	reg := registry.New()
	bc := broadcast.New(reg)
	engine := presence.New(minutes, bc, cfg.HeartbeatWindow, cfg.SweepInterval)

	gw := gateway.New(gateway.Deps{
		Registry:        reg,
		Broadcast:       bc,
		Messages:        messages,
		Presence:        engine,
		Oracle:          oracle,
		Verifier:        verifier,
		HistoryMaxLimit: cfg.HistoryMaxLimit,
		SendBuffer:      cfg.SendBuffer,
		Logger:          slog.Default(),
	})

	cons := consumer.New(ledger, users, gw, consumer.NewNatsDLQ(nc), slog.Default())

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.Run(runCtx)
	go cons.RunPruner(runCtx, cfg.LedgerRetention, cfg.PruneInterval)
	go func() {
		if err := cons.Run(runCtx, js); err != nil {
			slog.Error("Event consumer failed", "error", err)
			stop()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-runCtx.Done()
	slog.Info("Shutting down realtime service")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}
