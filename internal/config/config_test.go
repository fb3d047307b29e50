package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANALYTICS_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.PeriodDaysDefault)
	assert.Equal(t, 10, cfg.TopNDefault)
	assert.Equal(t, 7, cfg.LeadTimeDaysDefault)
	assert.Equal(t, 0.95, cfg.ServiceLevelDefault)
	assert.Equal(t, time.Hour, cfg.ModelCacheTTL)
	assert.Equal(t, 6*time.Hour, cfg.ForecastResultTTL)
	assert.Equal(t, 90, cfg.AnalyticsRetentionDays)
	assert.Equal(t, 50, cfg.BulkMaxProducts)
	assert.Equal(t, 8, cfg.BulkWorkerPool)
	assert.Equal(t, 100, cfg.ConsumerBatchSize)
	assert.Equal(t, 3*time.Second, cfg.HealthProbeTimeout)
	assert.Equal(t, "analytics", cfg.ConsumerName)
	assert.False(t, cfg.Backup.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANALYTICS_DATA_DIR", t.TempDir())
	t.Setenv("PERIOD_DAYS_DEFAULT", "14")
	t.Setenv("BULK_WORKER_POOL", "4")
	t.Setenv("PROPHET_CACHE_TTL_SECONDS", "600")
	t.Setenv("SERVICE_LEVEL_DEFAULT", "0.99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.PeriodDaysDefault)
	assert.Equal(t, 4, cfg.BulkWorkerPool)
	assert.Equal(t, 10*time.Minute, cfg.ModelCacheTTL)
	assert.Equal(t, 0.99, cfg.ServiceLevelDefault)
}

func TestValidateRejectsBadServiceLevel(t *testing.T) {
	t.Setenv("ANALYTICS_DATA_DIR", t.TempDir())
	t.Setenv("SERVICE_LEVEL_DEFAULT", "1.5")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRequiresBucketWhenBackupEnabled(t *testing.T) {
	t.Setenv("ANALYTICS_DATA_DIR", t.TempDir())
	t.Setenv("BACKUP_ENABLED", "true")

	_, err := Load()
	assert.Error(t, err)
}
