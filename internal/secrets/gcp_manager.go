package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"marketplace-sync-service/internal/models"
)

// MarketplaceSecret is the structure of marketplace credentials stored in
// GCP Secret Manager. When a GCP project is configured, credentials from
// Secret Manager override the env-var credentials.
type MarketplaceSecret struct {
	MarketplaceType string            `json:"marketplace_type"`
	Credentials     map[string]string `json:"credentials"`
	WebhookSecret   string            `json:"webhook_secret,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// cacheEntry is a cached secret with expiration
type cacheEntry struct {
	secret    *MarketplaceSecret
	expiresAt time.Time
}

// GCPSecretManager reads marketplace credentials from Google Cloud Secret
// Manager with a short-lived in-process cache
type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	cache     map[string]*cacheEntry
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
}

// NewGCPSecretManager creates a new Secret Manager client
func NewGCPSecretManager(ctx context.Context, projectID string) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  5 * time.Minute,
	}, nil
}

// secretName builds the fully qualified secret version name for a marketplace
func (m *GCPSecretManager) secretName(mp models.MarketplaceType) string {
	id := fmt.Sprintf("marketplace-%s-credentials", strings.ToLower(string(mp)))
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, id)
}

// GetMarketplaceSecret fetches and parses the credentials secret for a
// marketplace
func (m *GCPSecretManager) GetMarketplaceSecret(ctx context.Context, mp models.MarketplaceType) (*MarketplaceSecret, error) {
	name := m.secretName(mp)

	m.cacheMu.RLock()
	if entry, ok := m.cache[name]; ok && time.Now().Before(entry.expiresAt) {
		m.cacheMu.RUnlock()
		return entry.secret, nil
	}
	m.cacheMu.RUnlock()

	result, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	var secret MarketplaceSecret
	if err := json.Unmarshal(result.Payload.Data, &secret); err != nil {
		return nil, fmt.Errorf("failed to parse secret %s: %w", name, err)
	}

	m.cacheMu.Lock()
	m.cache[name] = &cacheEntry{secret: &secret, expiresAt: time.Now().Add(m.cacheTTL)}
	m.cacheMu.Unlock()

	return &secret, nil
}

// Close releases the underlying client
func (m *GCPSecretManager) Close() error {
	return m.client.Close()
}
