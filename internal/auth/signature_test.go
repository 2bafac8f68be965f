package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event_id":"e1","message":"hi"}`)
	signature := Sign("dev-web", body)

	tests := []struct {
		name      string
		signature string
		secrets   []string
		want      bool
	}{
		{name: "valid", signature: signature, secrets: []string{"dev-web"}, want: true},
		{name: "valid with prefix", signature: "sha256=" + signature, secrets: []string{"dev-web"}, want: true},
		{name: "uppercase prefix rejected", signature: "SHA256=" + signature, secrets: []string{"dev-web"}, want: false},
		{name: "wrong secret", signature: Sign("wrong", body), secrets: []string{"dev-web"}, want: false},
		{name: "rotated secret still valid", signature: signature, secrets: []string{"new-secret", "dev-web"}, want: true},
		{name: "empty signature", signature: "", secrets: []string{"dev-web"}, want: false},
		{name: "not hex", signature: "zzzz", secrets: []string{"dev-web"}, want: false},
		{name: "no secrets", signature: signature, secrets: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifySignature(tt.signature, body, tt.secrets...))
		})
	}
}

func TestSignIsLowercaseHex(t *testing.T) {
	t.Parallel()

	signature := Sign("secret", []byte("payload"))
	assert.Len(t, signature, 64)
	for _, r := range signature {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
}

func TestVerifySignatureDifferentBody(t *testing.T) {
	t.Parallel()

	signature := Sign("secret", []byte("payload-a"))
	assert.False(t, VerifySignature(signature, []byte("payload-b"), "secret"))
}
