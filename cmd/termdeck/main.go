package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/config"
	"github.com/gluk-w/termdeck/internal/history"
	"github.com/gluk-w/termdeck/internal/logging"
)

func main() {
	attach := flag.String("attach", "", "session id whose terminal is bound to stdin/stdout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, closeLog, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Path: cfg.LogPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, *attach, log); err != nil {
		log.Error("termdeck stopped", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Settings, attach string, log *zap.Logger) error {
	prof, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("history init: %w", err)
	}
	defer store.Close()

	term := &terminalWriter{w: os.Stdout, attached: attach}
	a := newApp(cfg, store, term, &listingPrinter{w: os.Stderr}, log)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(sigCtx, time.Minute)
	n := a.openProfile(openCtx, prof)
	cancel()
	log.Info("profile loaded", zap.String("path", cfg.ProfilePath), zap.Int("sessions", n), zap.Int("configured", len(prof.Sessions)))

	c := cron.New()
	if _, err := c.AddFunc(cfg.RevalidateSchedule, a.explorer.RevalidateView); err != nil {
		a.shutdown()
		return fmt.Errorf("schedule revalidation %q: %w", cfg.RevalidateSchedule, err)
	}
	if _, err := c.AddFunc("@daily", a.prune); err != nil {
		a.shutdown()
		return fmt.Errorf("schedule history prune: %w", err)
	}
	c.Start()
	a.prune()

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if attach != "" {
		go a.forwardInput(sigCtx, attach, os.Stdin)
	}

	<-sigCtx.Done()
	log.Info("shutting down")

	<-c.Stop().Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	a.shutdown()
	log.Info("stopped")
	return nil
}

// forwardInput sends each line read from r to session id, terminated by a
// carriage return as a terminal would.
func (a *app) forwardInput(ctx context.Context, id string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := append(append([]byte(nil), sc.Bytes()...), '\r')
		if err := a.sessions.Send(ctx, id, line); err != nil {
			a.log.Warn("input dropped", zap.String("session", id), zap.Error(err))
		}
	}
}
