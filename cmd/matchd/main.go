package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/chess-match-server/internal/app"
	"github.com/park285/chess-match-server/internal/config"
	"github.com/park285/chess-match-server/internal/obslog"
)

var version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "matchd",
	Short:        "live chess match session server",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the websocket match server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if lvl := strings.TrimSpace(logLevel); lvl != "" {
			cfg.Log.Level = lvl
		}
		if err := obslog.Init(cfg.Log); err != nil {
			return fmt.Errorf("logger init: %w", err)
		}
		defer obslog.Sync()
		return serve(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "config file (yaml/json/env); environment overrides it")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func serve(cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	relayErr := make(chan error, 1)
	go func() { relayErr <- a.Run(ctx) }()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	srvErr := make(chan error, 1)
	go func() {
		obslog.L().Info("http_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-relayErr:
		if err != nil {
			obslog.L().Error("relay_stopped", zap.Error(err))
		}
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	obslog.L().Info("shutdown_begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("http_shutdown", zap.Error(err))
	}
	// websocket 핸들러는 hijack 되어 Shutdown이 기다리지 않는다
	done := make(chan struct{})
	go func() {
		a.Gateway.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		obslog.L().Warn("ws_drain_timeout")
	}
	obslog.L().Info("shutdown_complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("matchd: %v", err)
		os.Exit(1)
	}
}
