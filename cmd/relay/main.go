package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arseneyr/speakerbox/pkg/config"
	"github.com/arseneyr/speakerbox/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to the config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	dbVar := flag.String("db", "", "the sqlite database path, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Relay.Addr = *addrVar
	}
	if *dbVar != "" {
		cfg.Relay.DBPath = *dbVar
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	slog.Info("Opening database", "path", cfg.Relay.DBPath)
	db, err := relay.OpenDB(cfg.Relay.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := relay.New(db, relay.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to setup relay: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.Relay.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Relay.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()
	return nil
}
