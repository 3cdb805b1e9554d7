package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/board"
	"github.com/lastbench/feedsync/internal/database"
	"github.com/lastbench/feedsync/internal/logging"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/server"
	"github.com/lastbench/feedsync/internal/session"
	"github.com/lastbench/feedsync/internal/users"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the development backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if err := appConfig.RequireServer(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "backend")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, board.Schema())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	identity, err := session.NewTokenIdentity(session.TokenConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	hub := realtime.NewHub()
	boardService, err := board.NewService(board.ServiceConfig{
		Database:        db,
		Profiles:        profiles,
		Publisher:       hub,
		Clock:           time.Now,
		IDProvider:      board.NewUUIDProvider(),
		ReportThreshold: appConfig.Feed.ReportThreshold,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Board:    boardService,
		Profiles: profiles,
		Identity: identity,
		Hub:      hub,
		APIKey:   appConfig.APIKey,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
