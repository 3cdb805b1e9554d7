package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/board"
	"github.com/lastbench/feedsync/internal/database"
	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/session"
	"github.com/lastbench/feedsync/internal/users"
)

const (
	testAPIKey        = "anon-key"
	testSigningSecret = "test-signing-secret"
)

type testBackend struct {
	server   *httptest.Server
	identity *session.TokenIdentity
	hub      *realtime.Hub
}

func newTestBackend(t *testing.T, logger *zap.Logger) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "backend.db"), logger, board.Schema())
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	hub := realtime.NewHub()
	boardService, err := board.NewService(board.ServiceConfig{
		Database:   db,
		Profiles:   profiles,
		Publisher:  hub,
		IDProvider: board.NewUUIDProvider(),
		Logger:     logger,
	})
	require.NoError(t, err)
	identity, err := session.NewTokenIdentity(session.TokenConfig{SigningSecret: []byte(testSigningSecret)})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Board:    boardService,
		Profiles: profiles,
		Identity: identity,
		Hub:      hub,
		APIKey:   testAPIKey,
		Logger:   logger,
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testBackend{server: server, identity: identity, hub: hub}
}

func (b *testBackend) signIn(t *testing.T, anonID string) signInResponsePayload {
	t.Helper()
	body, err := json.Marshal(signInRequestPayload{AnonID: anonID, College: "MIT"})
	require.NoError(t, err)
	response, err := http.Post(b.server.URL+"/auth/v1/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	var payload signInResponsePayload
	require.NoError(t, json.NewDecoder(response.Body).Decode(&payload))
	return payload
}

func (b *testBackend) source(t *testing.T, token string) *datasource.RESTSource {
	t.Helper()
	source, err := datasource.NewRESTSource(datasource.RESTConfig{
		BaseURL:    b.server.URL,
		APIKey:     testAPIKey,
		Tokens:     func(context.Context) (string, error) { return token, nil },
		RateLimit:  1000,
		RateBurst:  100,
		MaxRetries: -1,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return source
}
