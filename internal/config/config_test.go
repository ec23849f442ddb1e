package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInconsistentPaging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultPageSize = 500
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPongWaitBelowPing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WSPongWait = cfg.WSPingPeriod
	require.Error(t, cfg.Validate())
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: " a:9092, ,b:9092 "}
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokerList())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_SERVICE_MAX_BODY_SIZE", "2MB")
	t.Setenv("CHAT_SERVICE_WS_PING_PERIOD", "PT15S")
	t.Setenv("CHAT_SERVICE_WS_PONG_WAIT", "45s")
	t.Setenv("CHAT_SERVICE_WS_SEND_BUFFER", "16")
	t.Setenv("CHAT_SERVICE_DB_MIGRATE_AT_START", "false")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())
	require.Equal(t, int64(2*1024*1024), cfg.MaxBodySize)
	require.Equal(t, 15*time.Second, cfg.WSPingPeriod)
	require.Equal(t, 45*time.Second, cfg.WSPongWait)
	require.Equal(t, 16, cfg.WSSendBuffer)
	require.False(t, cfg.DatastoreMigrateAtStart)
}

func TestApplyEnvOverridesLeavesFlagSettingsAlone(t *testing.T) {
	t.Setenv("CHAT_SERVICE_WS_ALLOWED_ORIGINS", "https://env.example")

	cfg := DefaultConfig()
	cfg.WSAllowedOrigins = "https://flag.example"
	require.NoError(t, cfg.ApplyEnvOverrides())
	require.Equal(t, "https://flag.example", cfg.WSAllowedOrigins)
}

func TestApplyEnvOverridesRejectsBadSize(t *testing.T) {
	t.Setenv("CHAT_SERVICE_MAX_BODY_SIZE", "lots")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnvOverrides())
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("PT1H2M3S")
	require.NoError(t, err)
	require.Equal(t, time.Hour+2*time.Minute+3*time.Second, d)

	_, err = parseDuration("P1D")
	require.Error(t, err)
}
