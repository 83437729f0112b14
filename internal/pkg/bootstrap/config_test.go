package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.App.Reservation.HoldTTL)
	assert.Equal(t, "memory", cfg.App.Ledger)
}

func TestParseConfigOverlaysYAML(t *testing.T) {
	doc := []byte(`
app:
  port: 9090
  ledger: redis
  seed:
    - productId: sku-1
      totalStock: 10
  reservation:
    holdTTL: 90s
    holdLimitRule: 'product_id.startsWith("limited-") ? 1 : requested'
infra:
  redis:
    addrs: redis-a:6379,redis-b:6379
`)
	cfg, err := ParseConfig(DefaultConfig(), doc)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, "redis", cfg.App.Ledger)
	assert.Equal(t, "local", cfg.App.Locker, "untouched fields keep defaults")
	assert.Equal(t, 90*time.Second, cfg.App.Reservation.HoldTTL)
	assert.Equal(t, 5*time.Second, cfg.App.Reservation.SweepInterval)
	assert.Equal(t, []SeedProduct{{ProductID: "sku-1", TotalStock: 10}}, cfg.App.Seed)
	assert.Equal(t, "redis-a:6379,redis-b:6379", cfg.Infra.Redis.Addrs)
	assert.NotEmpty(t, cfg.App.Reservation.HoldLimitRule)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	_, err := ParseConfig(DefaultConfig(), []byte("app:\n  ledger: cassandra\n"))
	assert.Error(t, err)

	_, err = ParseConfig(DefaultConfig(), []byte("app:\n  reservation:\n    holdTTL: 0s\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := applyEnv(cfg, envOf(map[string]string{
		"HOLD_TTL":       "2m",
		"LEDGER_BACKEND": "mysql",
		"KAFKA_BROKERS":  "k1:9092,k2:9092",
		"PORT":           "8181",
		"LOG_LEVEL":      "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.App.Reservation.HoldTTL)
	assert.Equal(t, "mysql", cfg.App.Ledger)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.True(t, cfg.Infra.Kafka.Enabled)
	assert.Equal(t, 8181, cfg.App.Port)
	assert.Equal(t, "info", cfg.App.LogLevel, "blank values are ignored")
}

func TestApplyEnvBadDuration(t *testing.T) {
	err := applyEnv(DefaultConfig(), envOf(map[string]string{"HOLD_TTL": "soon"}))
	assert.Error(t, err)
}

func TestValidateRejectsZookeeperWithMemoryLedger(t *testing.T) {
	_, err := ParseConfig(DefaultConfig(), []byte("app:\n  locker: zookeeper\n"))
	assert.Error(t, err)

	cfg, err := ParseConfig(DefaultConfig(), []byte("app:\n  locker: zookeeper\n  ledger: redis\n"))
	require.NoError(t, err)
	assert.Equal(t, "zookeeper", cfg.App.Locker)
}

func TestApplyEnvTracing(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, applyEnv(cfg, envOf(map[string]string{
		"JAEGER_ENDPOINT":     "",
		"JAEGER_SAMPLE_RATIO": "0.1",
	})))
	assert.Empty(t, cfg.Infra.Jaeger.Endpoint, "an explicitly empty endpoint disables export")
	assert.Equal(t, 0.1, cfg.Infra.Jaeger.SampleRatio)
	require.NoError(t, cfg.Validate())

	assert.Error(t, applyEnv(DefaultConfig(), envOf(map[string]string{"JAEGER_SAMPLE_RATIO": "most"})))
}
