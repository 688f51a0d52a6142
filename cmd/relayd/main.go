package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"moltrelay/config"
	"moltrelay/models"
	"moltrelay/observability/logging"
	"moltrelay/relay"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("relayd", "").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("relayd", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	srv := relay.New(relay.Config{DB: db, Cfg: cfg, Logger: logger})
	server := &http.Server{
		Addr:         net.JoinHostPort("", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HeartbeatMaxWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		logger.Error("listen", "addr", server.Addr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("listening", "addr", listener.Addr().String(), "env", cfg.Env)
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
