package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
)

// RotationGrace is how long a rotated-out webhook secret keeps verifying.
const RotationGrace = 15 * time.Minute

// Service reads and mutates tenants, brands, and channels.
type Service struct {
	pool   *pgxpool.Pool
	events bus.Publisher
	logger *slog.Logger
}

// NewService creates a tenant service. The event publisher is optional.
func NewService(log *slog.Logger, pool *pgxpool.Pool, events bus.Publisher) *Service {
	return &Service{
		pool:   pool,
		events: events,
		logger: log.With(slog.String("service", "tenant")),
	}
}

// GetTenant loads a tenant by id; soft-deleted tenants are not found.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, timezone, metadata, deleted_at, created_at
		FROM tenants WHERE id = $1 AND deleted_at IS NULL`, tenantID)

	var t Tenant
	var metadata []byte
	var deletedAt pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.Name, &t.Timezone, &metadata, &deletedAt, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, faults.NotFoundf("tenant.missing", "tenant %s not found", tenantID)
		}
		return Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return Tenant{}, fmt.Errorf("decode tenant metadata: %w", err)
		}
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Time
	}
	return t, nil
}

// GetBrand loads a brand, enforcing the tenant boundary.
func (s *Service) GetBrand(ctx context.Context, tenantID, brandID string) (Brand, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, created_at
		FROM brands WHERE id = $1 AND tenant_id = $2`, brandID, tenantID)

	var b Brand
	if err := row.Scan(&b.ID, &b.TenantID, &b.Name, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Brand{}, faults.NotFoundf("brand.missing", "brand %s not found", brandID)
		}
		return Brand{}, fmt.Errorf("load brand: %w", err)
	}
	return b, nil
}

// GetChannel loads a channel with its secrets and credentials.
func (s *Service) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, brand_id, channel_type, display_name,
		       hmac_secret, previous_hmac_secret, previous_secret_expires_at,
		       credentials, active
		FROM channels WHERE id = $1`, channelID)
	return scanChannel(row)
}

// GetActiveChannel loads a channel and rejects disabled ones.
func (s *Service) GetActiveChannel(ctx context.Context, channelID string) (Channel, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return Channel{}, err
	}
	if !ch.Active {
		return Channel{}, faults.NotFoundf("channel.disabled", "channel %s is disabled", channelID)
	}
	return ch, nil
}

// RotateSecret installs a new webhook secret, keeping the old one valid for
// the grace window, and publishes a rotation event so credential caches
// invalidate.
func (s *Service) RotateSecret(ctx context.Context, channelID, newSecret string) error {
	if newSecret == "" {
		return faults.Validationf("channel.secret_empty", "new secret must not be empty")
	}
	expiry := time.Now().UTC().Add(RotationGrace)
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET previous_hmac_secret = hmac_secret,
		    previous_secret_expires_at = $2,
		    hmac_secret = $3,
		    updated_at = now()
		WHERE id = $1`, channelID, expiry, newSecret)
	if err != nil {
		return fmt.Errorf("rotate channel secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.NotFoundf("channel.missing", "channel %s not found", channelID)
	}

	ch, err := s.GetChannel(ctx, channelID)
	if err == nil && s.events != nil {
		event := domain.Event{
			Type:     domain.EventSecretRotated,
			TenantID: ch.TenantID,
			BrandID:  ch.BrandID,
			Payload:  map[string]string{"channel_id": channelID},
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn("secret rotation event not published",
				slog.String("channel_id", channelID), slog.Any("error", err))
		}
	}
	return nil
}

func scanChannel(row pgx.Row) (Channel, error) {
	var ch Channel
	var prevSecret pgtype.Text
	var prevExpiry pgtype.Timestamptz
	var credentials []byte
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.BrandID, &ch.ChannelType, &ch.DisplayName,
		&ch.HMACSecret, &prevSecret, &prevExpiry, &credentials, &ch.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, faults.NotFoundf("channel.missing", "channel not found")
		}
		return Channel{}, fmt.Errorf("load channel: %w", err)
	}
	ch.PreviousHMACSecret = prevSecret.String
	if prevExpiry.Valid {
		ch.PreviousSecretExpiresAt = &prevExpiry.Time
	}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &ch.Credentials); err != nil {
			return Channel{}, fmt.Errorf("decode channel credentials: %w", err)
		}
	}
	return ch, nil
}
