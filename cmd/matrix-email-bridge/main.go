// Copyright 2024-2026 Aiku AI

// Command matrix-email-bridge is a Matrix appservice bridging rooms to
// plain e-mail. Inviting a virtual user whose id encodes an e-mail
// address opens a subscription: room messages are delivered by SMTP and
// replies flow back through a polled IMAP inbox.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
	"github.com/aiku/matrix-email-bridge/pkg/email"
	"github.com/aiku/matrix-email-bridge/pkg/matrix"
	"github.com/aiku/matrix-email-bridge/pkg/store"
	"github.com/aiku/matrix-email-bridge/pkg/web"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	writeExample := flag.Bool("write-example-config", false, "print the example configuration and exit")
	flag.Parse()

	if *writeExample {
		os.Stdout.WriteString(config.ExampleConfig)
		return
	}

	cfg := exerrors.Must(config.Load(*configPath))
	level := exerrors.Must(zerolog.ParseLevel(cfg.LogLevel))
	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.TimeFormat = time.Stamp
	})).With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting matrix-email-bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records := openStore(cfg, log)
	defer records.Close()

	factory := matrix.NewFactory(cfg.Homeserver, log)
	matrixMgr := exerrors.Must(matrix.NewManager(cfg, factory, log))
	sender := email.NewSMTPProvider(cfg.Email.Sender, log)
	emailMgr := email.NewManager(cfg.Email, sender, log)

	// Content passes through untranslated; each protocol side picks the
	// MIME parts it can render.
	identity := bridge.FormatterFunc(func(msg *bridge.Message) *bridge.Message { return msg })
	subs := bridge.NewManager(emailMgr, matrixMgr, identity, records, log)
	if err := subs.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load persisted subscriptions")
	}

	as := matrix.NewAppService(cfg, matrixMgr, subs, log)
	mailbox := email.NewIMAPMailbox(cfg.Email.Receiver, log)
	fetcher := exerrors.Must(email.NewFetcher(cfg.Email.Receiver, mailbox, subs, log))

	srv := &http.Server{Addr: cfg.Listen, Handler: web.NewHandler(as, log).Router()}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Msg("Appservice listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		fetcher.Start()
		<-gctx.Done()
		fetcher.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
	log.Info().Msg("Bridge stopped")
}

func openStore(cfg *config.Config, log zerolog.Logger) store.Store {
	switch cfg.Storage.Backend {
	case "sqlite":
		return exerrors.Must(store.NewSQLite(cfg.Storage.SQLite, log))
	case "redis":
		return exerrors.Must(store.NewRedis(cfg.Storage.Redis, log))
	case "memory":
		log.Warn().Msg("Using in-memory storage, subscriptions will not survive restarts")
		return store.NewMemory()
	default:
		log.Fatal().Str("backend", cfg.Storage.Backend).Msg("Unknown storage backend")
		return nil
	}
}
