package tenant

import (
	"time"

	"github.com/conversehq/converse/internal/domain"
)

// Tenant is the top-level isolation unit.
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Timezone  string            `json:"timezone"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Brand groups channels and knowledge under a tenant.
type Brand struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is one provider binding for a brand. HMACSecret authenticates
// provider webhooks; during rotation the previous secret stays valid until
// PreviousSecretExpiresAt.
type Channel struct {
	ID                      string             `json:"id"`
	TenantID                string             `json:"tenant_id"`
	BrandID                 string             `json:"brand_id"`
	ChannelType             domain.ChannelType `json:"channel_type"`
	DisplayName             string             `json:"display_name"`
	HMACSecret              string             `json:"-"`
	PreviousHMACSecret      string             `json:"-"`
	PreviousSecretExpiresAt *time.Time         `json:"-"`
	Credentials             map[string]string  `json:"-"`
	Active                  bool               `json:"active"`
}

// ValidSecrets returns the secrets currently accepted for this channel,
// newest first.
func (c Channel) ValidSecrets(now time.Time) []string {
	secrets := []string{c.HMACSecret}
	if c.PreviousHMACSecret != "" && c.PreviousSecretExpiresAt != nil && now.Before(*c.PreviousSecretExpiresAt) {
		secrets = append(secrets, c.PreviousHMACSecret)
	}
	return secrets
}
