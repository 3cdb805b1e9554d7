// Package session tracks who is signed in and hands that identity to feeds.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrDestroyed indicates use of a Context after Destroy.
var ErrDestroyed = errors.New("session: context destroyed")

// User is the signed-in identity.
type User struct {
	ID          string
	AnonID      string
	DisplayName string
	AvatarColor string
	College     string
}

// Event names an auth state transition.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener observes auth state transitions. user is nil after sign-out.
type Listener func(event Event, user *User)

// Provider supplies the current identity and auth state notifications.
type Provider interface {
	CurrentUser(ctx context.Context) (User, bool, error)
	OnAuthStateChange(listener Listener) (unsubscribe func())
}

// TokenProvider is a Provider backed by a validated access token.
type TokenProvider struct {
	identity *TokenIdentity

	mu        sync.RWMutex
	token     string
	claims    Claims
	listeners map[int]Listener
	nextID    int
}

// NewTokenProvider constructs a signed-out TokenProvider.
func NewTokenProvider(identity *TokenIdentity) *TokenProvider {
	return &TokenProvider{identity: identity, listeners: make(map[int]Listener)}
}

// SignIn validates token and makes it the current session.
func (p *TokenProvider) SignIn(token string) (User, error) {
	claims, err := p.identity.ValidateToken(token)
	if err != nil {
		return User{}, err
	}
	p.mu.Lock()
	event := EventSignedIn
	if p.token != "" && p.claims.UserID == claims.UserID {
		event = EventTokenRefreshed
	}
	p.token = token
	p.claims = claims
	p.mu.Unlock()

	user := claims.User()
	p.notify(event, &user)
	return user, nil
}

// SignOut clears the session.
func (p *TokenProvider) SignOut() {
	p.mu.Lock()
	wasSignedIn := p.token != ""
	p.token = ""
	p.claims = Claims{}
	p.mu.Unlock()
	if wasSignedIn {
		p.notify(EventSignedOut, nil)
	}
}

// CurrentUser returns the signed-in user. An expired token counts as signed out.
func (p *TokenProvider) CurrentUser(context.Context) (User, bool, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return User{}, false, nil
	}
	claims, err := p.identity.ValidateToken(token)
	if errors.Is(err, ErrExpiredToken) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return claims.User(), true, nil
}

// AccessToken returns the current token, or "" when signed out.
func (p *TokenProvider) AccessToken(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

// OnAuthStateChange registers listener until the returned function is called.
func (p *TokenProvider) OnAuthStateChange(listener Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *TokenProvider) notify(event Event, user *User) {
	p.mu.RLock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, listener := range p.listeners {
		listeners = append(listeners, listener)
	}
	p.mu.RUnlock()
	for _, listener := range listeners {
		listener(event, user)
	}
}
