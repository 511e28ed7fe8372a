package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)

	t.Setenv("TEST_INT_BAD", "abc")
	_, err = envInt("TEST_INT_BAD", 0)
	assert.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " postgres, ,redis ")
	assert.Equal(t, []string{"postgres", "redis"}, envList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, envList("TEST_LIST_MISSING", []string{"x"}))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{FeedPostgres}, cfg.ChangeFeeds)
	assert.True(t, cfg.HasFeed(FeedPostgres))
	assert.False(t, cfg.HasFeed(FeedKafka))
	assert.Equal(t, int64(10*1024*1024), cfg.MaxBlobBytes)
	assert.Equal(t, LimiterMemory, cfg.RateLimiter)
	assert.Equal(t, "hakobi", cfg.ServiceName)
}

func TestLoadReportsEveryMalformedVar(t *testing.T) {
	t.Setenv("HAKOBI_PORT", "abc")
	t.Setenv("HAKOBI_JWT_EXPIRATION", "forever")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `HAKOBI_PORT="abc"`)
	assert.Contains(t, err.Error(), `HAKOBI_JWT_EXPIRATION="forever"`)
}

func TestValidateFeeds(t *testing.T) {
	t.Setenv("HAKOBI_CHANGE_FEEDS", "postgres,redis,kafka,carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "REDIS_URL is required for the redis change feed")
	assert.Contains(t, msg, "KAFKA_BROKERS is required")
	assert.Contains(t, msg, `unknown feed "carrier-pigeon"`)
}

func TestValidateFeedsSatisfied(t *testing.T) {
	t.Setenv("HAKOBI_CHANGE_FEEDS", "redis,kafka")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidateRateLimiter(t *testing.T) {
	t.Setenv("HAKOBI_RATE_LIMITER", "redis")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL is required for the redis rate limiter")

	t.Setenv("HAKOBI_RATE_LIMITER", "off")
	t.Setenv("HAKOBI_RATE_LIMIT_RPS", "0")
	_, err = Load()
	assert.NoError(t, err, "limits are ignored when limiting is off")

	t.Setenv("HAKOBI_RATE_LIMITER", "bucket")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown limiter "bucket"`)
}

func TestValidateSizes(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.MaxBlobBytes = 0
	cfg.ReadTimeout = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HAKOBI_MAX_BLOB_BYTES must be positive")
	assert.Contains(t, err.Error(), "HAKOBI_READ_TIMEOUT must be positive")
}
