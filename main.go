package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vestnik/internal/auth"
	"vestnik/internal/commands"
	"vestnik/internal/config"
	"vestnik/internal/http"
	"vestnik/internal/notify"
	"vestnik/internal/storage"
	"vestnik/internal/ws"
)

type runOptions struct {
	notifyMessage string
	notifyTitle   string
	notifyUsers   string
}

func run(ctx context.Context, opts runOptions) error {
	cliMode := opts.notifyMessage != ""

	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	if cliMode {
		userIDs := strings.Split(opts.notifyUsers, ",")
		return commands.NotifyUsers(userIDs, opts.notifyTitle, opts.notifyMessage, cfg)
	}

	logger := slog.Default()

	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.AuthSecret})
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	hub := ws.NewHub(logger)

	wsServer := ws.NewServer(ws.ServerConfig{
		Hub:        hub,
		Store:      store,
		Verifier:   verifier,
		Logger:     logger,
		GraceDelay: cfg.GraceDelay,
	})

	notifyService := notify.New(hub, logger)

	apiServer := http.NewAPIServer(wsServer, cfg.APIAddr)
	notifyServer := http.NewNotifyServer(notifyService, cfg.NotifyAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := notifyServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if err := notifyServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Notify server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	notifyMessage := flag.String("notify", "", "Send a notification with this message to a running gateway and exit")
	notifyTitle := flag.String("notify-title", "", "Title for -notify")
	notifyUsers := flag.String("notify-users", "", "Comma-separated user ids for -notify")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := runOptions{
		notifyMessage: *notifyMessage,
		notifyTitle:   *notifyTitle,
		notifyUsers:   *notifyUsers,
	}

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
