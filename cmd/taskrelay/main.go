// Command taskrelay runs the chat front end for the task backend: a
// Telegram bot for browsing and updating tasks, a realtime subscriber
// for change notifications, and a local ops endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tibebgroup/taskrelay/internal/bot"
	"github.com/tibebgroup/taskrelay/internal/config"
	"github.com/tibebgroup/taskrelay/internal/erp"
	"github.com/tibebgroup/taskrelay/internal/logging"
	"github.com/tibebgroup/taskrelay/internal/notify"
	"github.com/tibebgroup/taskrelay/internal/ops"
	"github.com/tibebgroup/taskrelay/internal/statedb"
	"github.com/tibebgroup/taskrelay/internal/telegram"
)

const Version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", defaultConfigPath(), "path to the TOML config file")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("taskrelay " + Version)
		return
	}

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "taskrelay:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskrelay.toml"
	}
	return filepath.Join(home, ".taskrelay", "taskrelay.toml")
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir: filepath.Join(cfg.DataDir, "logs"),
		Level:  level,
		Format: cfg.Log.Format,
		Debug:  debug,
	})
	defer logging.Shutdown()

	log := logging.Logger()

	db, err := statedb.Open(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	registry, err := notify.NewRegistry(db)
	if err != nil {
		return err
	}

	erpClient := erp.NewClient(erp.Options{
		BaseURL:        cfg.ERP.BaseURL,
		APIKey:         cfg.ERP.APIKey,
		APISecret:      cfg.ERP.APISecret,
		LinkField:      cfg.ERP.LinkField,
		RequestTimeout: cfg.RequestTimeout(),
		UploadTimeout:  cfg.UploadTimeout(),
	})

	log.Info("starting",
		slog.String("version", Version),
		slog.String("backend", erpClient.BaseURL()))

	transport, err := telegram.New(cfg.Bot.Token)
	if err != nil {
		return err
	}

	b := bot.New(bot.Options{
		Transport: transport,
		ERP:       erpClient,
		Registry:  registry,
		SendRate:  cfg.Bot.SendRatePerSec,
	})

	subscriber := notify.NewSubscriber(notify.SubscriberOptions{
		URL:           cfg.SocketURL(),
		ERP:           erpClient,
		Registry:      registry,
		ReconnectBase: cfg.ReconnectInterval(),
		MaxAttempts:   cfg.Notify.MaxReconnectAttempts,
		DialTimeout:   cfg.DialTimeout(),
		Send: func(ctx context.Context, chatID int64, text string) {
			_, err := transport.SendMessage(ctx, chatID, text, &bot.SendOptions{HTML: true})
			if err != nil {
				log.Warn("notify_send_failed",
					slog.Int64("chat", chatID),
					slog.String("error", err.Error()))
			}
		},
	})

	opsServer := ops.NewServer(ops.Config{
		ListenAddr: cfg.Ops.ListenAddr,
		ERP:        erpClient,
		Subscriber: subscriber,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dynamic settings (log level) follow the config file while running.
	if watcher, err := config.NewWatcher(configPath, nil); err == nil {
		go watcher.Start()
		defer watcher.Stop()
	} else {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		transport.Poll(gctx, b.HandleEvent)
		return nil
	})

	g.Go(func() error {
		err := subscriber.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Ops.ListenAddr != "" {
		g.Go(func() error {
			return opsServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return opsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	b.Close()
	log.Info("stopped")
	return err
}
