package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Context caches the current user for one feed session. It is invalidated on
// every auth state change and can be torn down explicitly.
type Context struct {
	provider    Provider
	logger      *zap.Logger
	unsubscribe func()
	group       singleflight.Group

	mu         sync.Mutex
	user       User
	known      bool
	generation uint64
	destroyed  bool
}

// New constructs a Context over provider.
func New(provider Provider, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionContext := &Context{provider: provider, logger: logger}
	sessionContext.unsubscribe = provider.OnAuthStateChange(func(event Event, user *User) {
		sessionContext.logger.Debug("auth state changed", zap.String("event", string(event)))
		sessionContext.Invalidate()
	})
	return sessionContext
}

// User returns the current user, consulting the provider at most once per
// invalidation.
func (c *Context) User(ctx context.Context) (User, bool, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return User{}, false, ErrDestroyed
	}
	if c.known {
		user := c.user
		c.mu.Unlock()
		return user, user.ID != "", nil
	}
	generation := c.generation
	c.mu.Unlock()

	type lookup struct {
		user User
		ok   bool
	}
	result, err, _ := c.group.Do("user", func() (interface{}, error) {
		user, ok, err := c.provider.CurrentUser(ctx)
		return lookup{user: user, ok: ok}, err
	})
	if err != nil {
		return User{}, false, err
	}
	found := result.(lookup)
	if !found.ok {
		found.user = User{}
	}

	c.mu.Lock()
	if !c.destroyed && c.generation == generation {
		c.user = found.user
		c.known = true
	}
	c.mu.Unlock()
	return found.user, found.ok, nil
}

// UserID returns the current user's identifier, or "" when signed out.
func (c *Context) UserID(ctx context.Context) string {
	user, ok, err := c.User(ctx)
	if err != nil || !ok {
		return ""
	}
	return user.ID
}

// Invalidate drops the cached user.
func (c *Context) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = false
	c.user = User{}
	c.generation++
}

// Destroy detaches from the provider and clears the cache.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.known = false
	c.user = User{}
	c.generation++
	c.mu.Unlock()
	c.unsubscribe()
}
