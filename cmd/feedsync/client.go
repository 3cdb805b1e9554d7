package main

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lastbench/feedsync/internal/cache"
	"github.com/lastbench/feedsync/internal/config"
	"github.com/lastbench/feedsync/internal/database"
	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/feed"
	"github.com/lastbench/feedsync/internal/logging"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/session"
)

// accessTokenProvider is a session provider that can also hand out its bearer token.
type accessTokenProvider interface {
	session.Provider
	AccessToken(ctx context.Context) (string, error)
}

// clientStack is everything a feed needs to talk to the backend.
type clientStack struct {
	config   config.AppConfig
	logger   *zap.Logger
	user     session.User
	provider accessTokenProvider
	session  *session.Context
	source   *datasource.RESTSource
	manager  *realtime.Manager
	cache    cache.Store
	cacheDB  *gorm.DB
}

func openClient(ctx context.Context, component string) (*clientStack, error) {
	appConfig, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := appConfig.RequireClient(); err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, component)
	if err != nil {
		return nil, err
	}

	provider, user, err := signIn(ctx, appConfig)
	if err != nil {
		return nil, err
	}

	source, err := datasource.NewRESTSource(datasource.RESTConfig{
		BaseURL: appConfig.BackendURL,
		APIKey:  appConfig.APIKey,
		Tokens:  datasource.TokenSource(provider.AccessToken),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	transport, err := realtime.NewWebsocketTransport(realtime.WebsocketConfig{
		URL:               appConfig.RealtimeURL,
		APIKey:            appConfig.APIKey,
		Tokens:            realtime.TokenSource(provider.AccessToken),
		HeartbeatInterval: appConfig.Heartbeat,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	stack := &clientStack{
		config:   appConfig,
		logger:   logger,
		user:     user,
		provider: provider,
		session:  session.New(provider, logger),
		source:   source,
		manager:  realtime.NewManager(transport, realtime.WithLogger(logger), realtime.WithReconnectBackoff(appConfig.ReconnectBackoff)),
	}

	if appConfig.CachePath != "" {
		db, err := database.OpenSQLite(appConfig.CachePath, logger, database.Schema{Models: []any{&cache.Entry{}}})
		if err != nil {
			logger.Warn("feed cache unavailable", zap.Error(err))
		} else if store, err := cache.NewSQLiteStore(db); err != nil {
			logger.Warn("feed cache unavailable", zap.Error(err))
		} else {
			stack.cache = store
			stack.cacheDB = db
		}
	}
	return stack, nil
}

// signIn picks the identity source: a dev sign-in by handle, a verifiable
// access token, or no one.
func signIn(ctx context.Context, appConfig config.AppConfig) (accessTokenProvider, session.User, error) {
	switch {
	case appConfig.AnonID != "":
		user, token, err := session.RequestToken(ctx, nil, appConfig.BackendURL, appConfig.APIKey, session.User{
			AnonID:  appConfig.AnonID,
			College: appConfig.Feed.College,
		})
		if err != nil {
			return nil, session.User{}, err
		}
		return session.NewStaticProvider(user, token), user, nil
	case appConfig.AccessToken != "":
		if appConfig.SigningSecret == "" {
			return nil, session.User{}, fmt.Errorf("auth.signing_secret is required to verify backend.access_token")
		}
		identity, err := session.NewTokenIdentity(session.TokenConfig{SigningSecret: []byte(appConfig.SigningSecret)})
		if err != nil {
			return nil, session.User{}, err
		}
		provider := session.NewTokenProvider(identity)
		user, err := provider.SignIn(appConfig.AccessToken)
		if err != nil {
			return nil, session.User{}, err
		}
		return provider, user, nil
	default:
		return session.NewStaticProvider(session.User{}, ""), session.User{}, nil
	}
}

func (s *clientStack) dependencies() feed.Dependencies {
	return feed.Dependencies{
		Source:        s.source,
		Subscriptions: s.manager,
		Clock:         clock.New(),
		Logger:        s.logger,
	}
}

func (s *clientStack) feedConfig() feed.Config {
	feedConfig := feed.DefaultConfig()
	feedConfig.PageSize = s.config.Feed.PageSize
	feedConfig.PollInterval = s.config.Feed.PollInterval
	feedConfig.PollBatch = s.config.Feed.PollBatch
	feedConfig.Debounce = s.config.Feed.Debounce
	feedConfig.BackfillDelay = s.config.Feed.BackfillDelay
	feedConfig.AutoRefresh = s.config.Feed.AutoRefresh
	feedConfig.ReportThreshold = s.config.Feed.ReportThreshold
	return feedConfig
}

func (s *clientStack) postFeed() (*feed.PostFeed, error) {
	return feed.NewPostFeed(feed.PostFeedOptions{
		Dependencies: s.dependencies(),
		Session:      s.session,
		Cache:        s.cache,
		College:      s.config.Feed.College,
		Config:       s.feedConfig(),
	})
}

func (s *clientStack) Close() error {
	s.manager.Close()
	s.session.Destroy()
	var err error
	if s.cacheDB != nil {
		if sqlDB, dbErr := s.cacheDB.DB(); dbErr == nil {
			err = multierr.Append(err, sqlDB.Close())
		}
	}
	_ = s.logger.Sync()
	return err
}
