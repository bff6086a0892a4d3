package businessflow

import (
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fingerprint(ip, ua, device string, at *time.Time) models.Fingerprint {
	return models.Fingerprint{
		IP:         ip,
		UserAgent:  ua,
		Device:     map[string]any{"deviceId": device},
		CapturedAt: at,
	}
}

func reasonsOf(flags []models.FraudFlag) []string {
	return flagReasons(flags)
}

func TestFraudDetectorEvaluate(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	captured := now.Add(-time.Minute)
	prev := fingerprint("1.1.1.1", "UA", "dev-1", &captured)
	d := NewFraudDetector(nil)

	tests := []struct {
		name            string
		prev            *models.Fingerprint
		cur             models.Fingerprint
		subscriberMatch bool
		want            []string
	}{
		{name: "first phase has nothing to compare", prev: nil, cur: fingerprint("2.2.2.2", "X", "dev-9", nil), subscriberMatch: true, want: []string{}},
		{name: "uncaptured previous is ignored", prev: &models.Fingerprint{IP: "9.9.9.9"}, cur: fingerprint("2.2.2.2", "X", "dev-9", nil), subscriberMatch: true, want: []string{}},
		{name: "unchanged", prev: &prev, cur: fingerprint("1.1.1.1", "UA", "dev-1", nil), subscriberMatch: true, want: []string{}},
		{name: "ip drift", prev: &prev, cur: fingerprint("2.2.2.2", "UA", "dev-1", nil), subscriberMatch: true, want: []string{models.FraudReasonIPMismatch}},
		{name: "device and agent drift", prev: &prev, cur: fingerprint("1.1.1.1", "UA2", "dev-2", nil), subscriberMatch: true, want: []string{models.FraudReasonDeviceChange, models.FraudReasonUserAgentChange}},
		{name: "subscriber mismatch without history", prev: nil, cur: fingerprint("1.1.1.1", "UA", "dev-1", nil), subscriberMatch: false, want: []string{models.FraudReasonMSISDNMismatch}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := d.Evaluate(tt.prev, tt.cur, tt.subscriberMatch, PhaseStart, now)
			assert.Equal(t, tt.want, reasonsOf(flags))
			for _, f := range flags {
				assert.Equal(t, PhaseStart, f.Phase)
				assert.Equal(t, now, f.At)
			}
		})
	}
}

func TestDeviceIdentity(t *testing.T) {
	assert.Equal(t, "a", DeviceIdentity(map[string]any{"deviceId": "a", "id": "b", "model": "c"}))
	assert.Equal(t, "b", DeviceIdentity(map[string]any{"deviceId": "", "id": "b", "model": "c"}))
	assert.Equal(t, "c", DeviceIdentity(map[string]any{"model": "c"}))
	assert.Equal(t, "raw", DeviceIdentity(map[string]any{"value": "raw"}))
	assert.Equal(t, "", DeviceIdentity(nil))
}

func TestFraudPolicyBlocks(t *testing.T) {
	flag := func(r string) models.FraudFlag { return models.FraudFlag{Reason: r} }

	t.Run("default blocks only subscriber mismatch", func(t *testing.T) {
		p := DefaultFraudPolicy()
		blocked, because, err := p.Blocks([]models.FraudFlag{flag(models.FraudReasonIPMismatch), flag(models.FraudReasonDeviceChange)}, PhaseStart)
		require.NoError(t, err)
		assert.False(t, blocked)
		assert.Empty(t, because)

		blocked, because, err = p.Blocks([]models.FraudFlag{flag(models.FraudReasonMSISDNMismatch)}, PhaseOpen)
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Equal(t, models.FraudReasonMSISDNMismatch, because)
	})

	t.Run("configured flag list", func(t *testing.T) {
		p, err := NewFraudPolicy([]string{" ip_mismatch "}, "")
		require.NoError(t, err)
		blocked, because, err := p.Blocks([]models.FraudFlag{flag(models.FraudReasonIPMismatch)}, PhaseStart)
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Equal(t, models.FraudReasonIPMismatch, because)
	})

	t.Run("cel rule", func(t *testing.T) {
		p, err := NewFraudPolicy(nil, `phase == "complete" && "DEVICE_CHANGE" in flags && "IP_MISMATCH" in flags`)
		require.NoError(t, err)
		both := []models.FraudFlag{flag(models.FraudReasonDeviceChange), flag(models.FraudReasonIPMismatch)}

		blocked, _, err := p.Blocks(both, PhaseStart)
		require.NoError(t, err)
		assert.False(t, blocked)

		blocked, because, err := p.Blocks(both, PhaseComplete)
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Contains(t, because, "rule:")

		blocked, _, err = p.Blocks([]models.FraudFlag{flag(models.FraudReasonDeviceChange)}, PhaseComplete)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("invalid rules are rejected", func(t *testing.T) {
		_, err := NewFraudPolicy(nil, `flags.size(`)
		assert.Error(t, err)
		_, err = NewFraudPolicy(nil, `flags.size()`)
		assert.Error(t, err)
	})
}
