package businessflow

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRotatorRotate(t *testing.T) {
	r, err := NewCredentialRotator("test-credential-secret")
	require.NoError(t, err)

	session := &models.WatchSession{ID: 42, Token: "abc"}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for range 100 {
		c, err := r.Rotate(session, now)
		require.NoError(t, err)
		assert.False(t, strings.Contains(c, "="))
		raw, err := base64.RawURLEncoding.DecodeString(c)
		require.NoError(t, err)
		assert.Len(t, raw, 32)
		assert.False(t, seen[c], "credential repeated")
		seen[c] = true
	}

	_, err = r.Rotate(nil, now)
	assert.Error(t, err)
}

func TestNewCredentialRotatorLongSecret(t *testing.T) {
	r, err := NewCredentialRotator(strings.Repeat("k", 200))
	require.NoError(t, err)
	_, err = r.Rotate(&models.WatchSession{Token: "t"}, time.Now())
	assert.NoError(t, err)
}

func TestCredentialMatches(t *testing.T) {
	tests := []struct {
		name      string
		stored    *string
		presented string
		want      bool
	}{
		{name: "equal", stored: utils.ToPtr("abc"), presented: "abc", want: true},
		{name: "different", stored: utils.ToPtr("abc"), presented: "abd", want: false},
		{name: "prefix", stored: utils.ToPtr("abc"), presented: "ab", want: false},
		{name: "nothing stored", stored: nil, presented: "abc", want: false},
		{name: "empty stored", stored: utils.ToPtr(""), presented: "", want: false},
		{name: "nothing presented", stored: utils.ToPtr("abc"), presented: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CredentialMatches(tt.stored, tt.presented))
		})
	}
}
