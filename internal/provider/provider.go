// Package provider defines the boundary between the lifecycle engine
// and concrete cloud-storage backends. Engine code only sees these
// interfaces; provider-specific API calls stay behind them, and their
// errors flow back raw so the classifier can inspect them.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RefreshedToken is the result of a successful credential renewal.
// RefreshToken is empty when the provider does not rotate it.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *string
}

// TokenRefresher exchanges a refresh token for a new credential pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (RefreshedToken, error)
}

// Credentials is the decrypted material a client operates with.
type Credentials struct {
	AccessToken string
	ExpiresAt   *string
}

// Client performs storage operations against one provider.
type Client interface {
	// Name returns the provider identifier, e.g. "google_drive".
	Name() string

	// Upload stores the local file and returns the provider-assigned
	// file id.
	Upload(ctx context.Context, creds Credentials, localPath, filename string) (string, error)

	// CheckConnection performs a cheap authenticated call to verify
	// the credentials still work.
	CheckConnection(ctx context.Context, creds Credentials) error
}

// Registry holds the configured providers by name.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]Client
	refreshers map[string]TokenRefresher
}

func NewRegistry() *Registry {
	return &Registry{
		clients:    make(map[string]Client),
		refreshers: make(map[string]TokenRefresher),
	}
}

func (r *Registry) Register(client Client, refresher TokenRefresher) {
	name := strings.TrimSpace(client.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	if refresher != nil {
		r.refreshers[name] = refresher
	}
}

func (r *Registry) Client(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return c, nil
}

func (r *Registry) Refresher(name string) (TokenRefresher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refreshers[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("provider %q does not support token refresh", name)
	}
	return ref, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[strings.TrimSpace(name)]
	return ok
}
