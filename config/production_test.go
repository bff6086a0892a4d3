package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *ProductionConfig {
	t.Helper()
	v, err := newViper("")
	require.NoError(t, err)
	cfg := buildConfig(envReader{v})
	cfg.Database.Password = "secret"
	cfg.JWT.SecretKey = "0123456789abcdef0123456789abcdef"
	cfg.WatchLink.CredentialSecret = "credential-secret-value"
	return cfg
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, 3*time.Hour, cfg.WatchLink.SessionTTL)
	assert.Equal(t, "UTC", cfg.WatchLink.DayLocation)
	assert.Equal(t, 5*time.Minute, cfg.WatchLink.SweepInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.WatchLink.Retention)
	assert.Equal(t, "cdn", cfg.Video.Provider)
	assert.Equal(t, "/ads/default.mp4", cfg.Video.DefaultPath)
	assert.Equal(t, int64(1), cfg.Settlement.DefaultCostPerView)
	assert.Empty(t, cfg.Fraud.BlockingFlags)
	assert.NoError(t, ValidateProductionConfig(cfg))
}

func TestBuildConfigFromEnvironment(t *testing.T) {
	t.Setenv("WATCH_LINK_TTL", "90m")
	t.Setenv("FRAUD_BLOCKING_FLAGS", "DEVICE_CHANGE, IP_MISMATCH ,")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SETTLEMENT_NODE_ID", "7")

	v, err := newViper("")
	require.NoError(t, err)
	cfg := buildConfig(envReader{v})

	assert.Equal(t, 90*time.Minute, cfg.WatchLink.SessionTTL)
	assert.Equal(t, []string{"DEVICE_CHANGE", "IP_MISMATCH"}, cfg.Fraud.BlockingFlags)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(7), cfg.Settlement.NodeID)
}

func TestEnvFileIsOverriddenByEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_NAME=from_file\nDB_HOST=file-host\n"), 0o600))
	t.Setenv("DB_HOST", "env-host")

	v, err := newViper(path)
	require.NoError(t, err)
	cfg := buildConfig(envReader{v})

	assert.Equal(t, "from_file", cfg.Database.Name)
	assert.Equal(t, "env-host", cfg.Database.Host)
}

func TestValidateProductionConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProductionConfig)
		wantErr string
	}{
		{
			name:    "short jwt secret",
			mutate:  func(c *ProductionConfig) { c.JWT.SecretKey = "short" },
			wantErr: "JWT_SECRET_KEY",
		},
		{
			name:    "missing credential secret",
			mutate:  func(c *ProductionConfig) { c.WatchLink.CredentialSecret = "" },
			wantErr: "WATCH_LINK_CREDENTIAL_SECRET",
		},
		{
			name:    "unknown day location",
			mutate:  func(c *ProductionConfig) { c.WatchLink.DayLocation = "Mars/Olympus" },
			wantErr: "WATCH_LINK_DAY_LOCATION",
		},
		{
			name:    "sms template without placeholder",
			mutate:  func(c *ProductionConfig) { c.WatchLink.SMSTemplate = "watch now" },
			wantErr: "WATCH_LINK_SMS_TEMPLATE",
		},
		{
			name:    "minio without credentials",
			mutate:  func(c *ProductionConfig) { c.Video.Provider = "minio"; c.Video.MinIOEndpoint = "minio:9000" },
			wantErr: "MINIO_ACCESS_KEY",
		},
		{
			name:    "unknown video provider",
			mutate:  func(c *ProductionConfig) { c.Video.Provider = "ftp" },
			wantErr: "VIDEO_STORAGE_PROVIDER",
		},
		{
			name: "retry queue without redis",
			mutate: func(c *ProductionConfig) {
				c.Cache.Provider = "memory"
				c.Settlement.RetryEnabled = true
			},
			wantErr: "SETTLEMENT_RETRY_ENABLED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := ValidateProductionConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=disable TimeZone=UTC", c.DSN())
}
