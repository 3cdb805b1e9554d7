// Package server is the development backend: a data API, a counter
// procedure, dev sign-in and a realtime websocket over one board database.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/board"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/session"
	"github.com/lastbench/feedsync/internal/users"
)

const userIDContextKey = "feedsync_user_id"

var (
	errMissingBoard         = errors.New("board service dependency required")
	errMissingProfiles      = errors.New("profile service dependency required")
	errMissingIdentity      = errors.New("token identity dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	Board      *board.Service
	Profiles   *users.Service
	Identity   *session.TokenIdentity
	Hub        *realtime.Hub
	IDProvider board.IDProvider
	APIKey     string
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Board == nil {
		return nil, errMissingBoard
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDProvider
	if ids == nil {
		ids = board.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		board:    deps.Board,
		profiles: deps.Profiles,
		identity: deps.Identity,
		hub:      deps.Hub,
		ids:      ids,
		apiKey:   deps.APIKey,
		logger:   logger,
	}

	router.POST("/auth/v1/token", handler.handleSignIn)
	router.GET("/realtime/v1/websocket", handler.handleRealtime)

	rest := router.Group("/rest/v1")
	rest.Use(handler.authorizeRequest)
	rest.POST("/rpc/:procedure", handler.handleProcedure)
	rest.GET("/:table", handler.handleList)
	rest.POST("/:table", handler.handleInsert)
	rest.PATCH("/:table", handler.handleUpdate)
	rest.DELETE("/:table", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "apikey", "Prefer"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	board    *board.Service
	profiles *users.Service
	identity *session.TokenIdentity
	hub      *realtime.Hub
	ids      board.IDProvider
	apiKey   string
	logger   *zap.Logger
}

type signInRequestPayload struct {
	UserID      string `json:"user_id"`
	AnonID      string `json:"anon_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color"`
	College     string `json:"college"`
}

type signInUserPayload struct {
	ID          string `json:"id"`
	AnonID      string `json:"anon_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color"`
	College     string `json:"college"`
}

type signInResponsePayload struct {
	AccessToken string            `json:"access_token"`
	ExpiresIn   int64             `json:"expires_in"`
	TokenType   string            `json:"token_type"`
	User        signInUserPayload `json:"user"`
}

// handleSignIn registers an anonymous identity and issues its access token.
// There is no password: the backend exists for local development.
func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AnonID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		generated, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("failed to generate user id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
			return
		}
		userID = generated
	}

	profile, err := h.profiles.EnsureProfile(c.Request.Context(), session.User{
		ID:          userID,
		AnonID:      request.AnonID,
		DisplayName: request.DisplayName,
		AvatarColor: request.AvatarColor,
		College:     request.College,
	})
	if err != nil {
		h.logger.Error("failed to store profile", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
		return
	}
	user := session.User{
		ID:          profile.ID,
		AnonID:      profile.AnonID,
		DisplayName: profile.DisplayName,
		AvatarColor: profile.AvatarColor,
		College:     profile.College,
	}
	token, expiresAt, err := h.identity.Issue(user)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, signInResponsePayload{
		AccessToken: token,
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		TokenType:   "Bearer",
		User: signInUserPayload{
			ID:          user.ID,
			AnonID:      user.AnonID,
			DisplayName: user.DisplayName,
			AvatarColor: user.AvatarColor,
			College:     user.College,
		},
	})
}

// authorizeRequest resolves the caller. The API key alone, as bearer or
// header, is an anonymous caller; any other bearer must be a valid token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header != "" && !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == h.apiKey {
		if h.apiKey != "" && c.GetHeader("apikey") != h.apiKey && token != h.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		c.Next()
		return
	}
	userID, ok := h.validateToken(token)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) validateToken(token string) (string, bool) {
	claims, err := h.identity.ValidateToken(token)
	if err != nil {
		if errors.Is(err, session.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", false
	}
	return claims.UserID, true
}

// statusFor maps board failures onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, board.ErrUnknownTable), errors.Is(err, board.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, board.ErrInvalidQuery), errors.Is(err, board.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, board.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, board.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) fail(c *gin.Context, err error) {
	code := "request_failed"
	var serviceErr *board.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	c.JSON(statusFor(err), gin.H{"error": code})
}
