// Command blobd serves a Supabase-storage compatible object API from a local
// directory, for development and self-hosted session backups.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/config"
	"github.com/kurobon/sessync/internal/logger"
	"github.com/kurobon/sessync/internal/server"
	"github.com/kurobon/sessync/internal/storage/localfs"
)

func main() {
	configFile := flag.String("config", "", "config file")
	flag.Parse()

	v, err := config.New(*configFile)
	if err != nil {
		logger.Must("error").Fatal("load config", zap.Error(err))
	}
	cfg, err := config.Load(v)
	if err != nil {
		logger.Must("error").Fatal("load config", zap.Error(err))
	}
	log := logger.Must(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.Server.ServiceKey == "" {
		log.Warn("server.service_key is empty, every request is accepted")
	}
	dir := cfg.Server.ObjectsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal("create data root", zap.String("dir", dir), zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewServer(localfs.NewDir(dir), cfg.Server.ServiceKey, log, server.PublicBuckets(cfg.Server.PublicBuckets...)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info("blob server listening", zap.String("addr", cfg.Server.Addr), zap.String("data", dir))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
}
