package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/tenant"
)

// CredentialCache caches channel rows for the outbound worker with a short
// TTL, invalidated immediately on secret rotation events.
type CredentialCache struct {
	tenants *tenant.Service
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]credentialEntry
	logger  *slog.Logger
}

type credentialEntry struct {
	channel   tenant.Channel
	expiresAt time.Time
}

// NewCredentialCache creates the cache; ttl must stay at or below 60s so
// rotations propagate quickly even without an invalidation event.
func NewCredentialCache(log *slog.Logger, tenants *tenant.Service, ttl time.Duration) *CredentialCache {
	if ttl <= 0 || ttl > time.Minute {
		ttl = time.Minute
	}
	return &CredentialCache{
		tenants: tenants,
		ttl:     ttl,
		entries: map[string]credentialEntry{},
		logger:  log.With(slog.String("service", "credential_cache")),
	}
}

// Get returns the channel for id, loading through the cache.
func (c *CredentialCache) Get(ctx context.Context, channelID string) (tenant.Channel, error) {
	c.mu.RLock()
	entry, ok := c.entries[channelID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.channel, nil
	}

	channel, err := c.tenants.GetChannel(ctx, channelID)
	if err != nil {
		return tenant.Channel{}, err
	}

	c.mu.Lock()
	c.entries[channelID] = credentialEntry{channel: channel, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return channel, nil
}

// Invalidate drops one channel's entry.
func (c *CredentialCache) Invalidate(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// HandleEvent invalidates on channel secret rotation events from the bus.
func (c *CredentialCache) HandleEvent(_ context.Context, event domain.Event) error {
	if event.Type != domain.EventSecretRotated {
		return nil
	}
	if channelID := event.Payload["channel_id"]; channelID != "" {
		c.Invalidate(channelID)
		c.logger.Debug("credentials invalidated", slog.String("channel_id", channelID))
	}
	return nil
}
