// Package mock provides mock implementations of the provider interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/tokensync/providers"
)

var (
	_ providers.ProfileProvider = (*MockProvider)(nil)
	_ providers.Revoker         = (*MockProvider)(nil)
)

// MockProvider is a mock profile provider and revoker.
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// FetchProfileFunc is called when FetchProfile() is invoked
	FetchProfileFunc func(ctx context.Context, accessToken string, scopes []string) (*providers.UserInfo, error)

	// RevokeTokenFunc is called when RevokeToken() is invoked
	RevokeTokenFunc func(ctx context.Context, token string) error

	mu         sync.RWMutex
	callCounts map[string]int
	tokens     []string
	revoked    []string
}

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		FetchProfileFunc: func(_ context.Context, _ string, scopes []string) (*providers.UserInfo, error) {
			info := &providers.UserInfo{
				ID:            "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
				GivenName:     "Mock",
				FamilyName:    "User",
			}
			if providers.HasScope(scopes, "groups") {
				info.Groups = []string{"mock-group"}
			}
			return info, nil
		},
		RevokeTokenFunc: func(context.Context, string) error {
			return nil
		},
	}
}

// Name implements providers.ProfileProvider
func (m *MockProvider) Name() string {
	m.incrementCallCount("Name")
	return m.NameFunc()
}

// FetchProfile implements providers.ProfileProvider
func (m *MockProvider) FetchProfile(ctx context.Context, accessToken string, scopes []string) (*providers.UserInfo, error) {
	m.mu.Lock()
	m.callCounts["FetchProfile"]++
	m.tokens = append(m.tokens, accessToken)
	m.mu.Unlock()
	return m.FetchProfileFunc(ctx, accessToken, scopes)
}

// RevokeToken implements providers.Revoker
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.mu.Lock()
	m.callCounts["RevokeToken"]++
	m.revoked = append(m.revoked, token)
	m.mu.Unlock()
	return m.RevokeTokenFunc(ctx, token)
}

// incrementCallCount safely increments the call count for a method
func (m *MockProvider) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// CallCount returns the number of times a method was called
func (m *MockProvider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}

// Tokens returns the access tokens passed to FetchProfile, in order
func (m *MockProvider) Tokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.tokens...)
}

// Revoked returns the tokens passed to RevokeToken, in order
func (m *MockProvider) Revoked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.revoked...)
}

// ResetCallCounts resets all recorded calls
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
	m.tokens = nil
	m.revoked = nil
}
