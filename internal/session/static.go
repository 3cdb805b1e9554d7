package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// StaticProvider holds a token issued by the backend and trusts it as issued.
// Clients without the signing secret use it instead of TokenProvider.
type StaticProvider struct {
	mu        sync.RWMutex
	user      User
	token     string
	listeners map[int]Listener
	nextID    int
}

// NewStaticProvider constructs a provider signed in as user. An empty token
// yields an anonymous provider.
func NewStaticProvider(user User, token string) *StaticProvider {
	provider := &StaticProvider{listeners: make(map[int]Listener)}
	if token != "" {
		provider.user = user
		provider.token = token
	}
	return provider
}

func (p *StaticProvider) CurrentUser(context.Context) (User, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user, p.token != "", nil
}

func (p *StaticProvider) AccessToken(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

// SignOut forgets the token and notifies listeners.
func (p *StaticProvider) SignOut() {
	p.mu.Lock()
	wasSignedIn := p.token != ""
	p.user = User{}
	p.token = ""
	listeners := make([]Listener, 0, len(p.listeners))
	for _, listener := range p.listeners {
		listeners = append(listeners, listener)
	}
	p.mu.Unlock()
	if !wasSignedIn {
		return
	}
	for _, listener := range listeners {
		listener(EventSignedOut, nil)
	}
}

func (p *StaticProvider) OnAuthStateChange(listener Listener) func() {
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

type tokenRequest struct {
	UserID      string `json:"user_id,omitempty"`
	AnonID      string `json:"anon_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarColor string `json:"avatar_color,omitempty"`
	College     string `json:"college,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID          string `json:"id"`
		AnonID      string `json:"anon_id"`
		DisplayName string `json:"display_name"`
		AvatarColor string `json:"avatar_color"`
		College     string `json:"college"`
	} `json:"user"`
}

// RequestToken signs profile in against the development backend's token
// endpoint and returns the stored identity with its access token.
func RequestToken(ctx context.Context, client *http.Client, baseURL string, apiKey string, profile User) (User, string, error) {
	if strings.TrimSpace(profile.AnonID) == "" {
		return User{}, "", fmt.Errorf("%w: anonymous handle required", ErrMissingSubject)
	}
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(tokenRequest{
		UserID:      profile.ID,
		AnonID:      profile.AnonID,
		DisplayName: profile.DisplayName,
		AvatarColor: profile.AvatarColor,
		College:     profile.College,
	})
	if err != nil {
		return User{}, "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/auth/v1/token", bytes.NewReader(body))
	if err != nil {
		return User{}, "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		request.Header.Set("apikey", apiKey)
	}
	response, err := client.Do(request)
	if err != nil {
		return User{}, "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return User{}, "", fmt.Errorf("%w: sign-in status %d: %s", ErrInvalidToken, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	var payload tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return User{}, "", err
	}
	if payload.AccessToken == "" {
		return User{}, "", ErrMissingToken
	}
	user := User{
		ID:          payload.User.ID,
		AnonID:      payload.User.AnonID,
		DisplayName: payload.User.DisplayName,
		AvatarColor: payload.User.AvatarColor,
		College:     payload.User.College,
	}
	return user, payload.AccessToken, nil
}
