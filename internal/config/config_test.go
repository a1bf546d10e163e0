package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VTUN_LOCAL_ADDR", "10.0.0.1")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "vtun0", cfg.TunName)
	assert.Equal(t, "10.0.0.1", cfg.LocalAddr)
	assert.Equal(t, ":9095", cfg.MetricsAddr)
	assert.Equal(t, 200*time.Millisecond, cfg.RetransmitInterval)
	assert.Equal(t, 5*time.Second, cfg.CleanupInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesAndRequiredField(t *testing.T) {
	t.Setenv("VTUN_LOCAL_ADDR", "10.1.2.3")
	t.Setenv("VTUN_TUN_NAME", "vtun7")
	t.Setenv("VTUN_METRICS_ADDR", "")
	t.Setenv("VTUN_RETRANSMIT_INTERVAL", "50ms")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vtun7", cfg.TunName)
	assert.Equal(t, "", cfg.MetricsAddr)
	assert.Equal(t, 50*time.Millisecond, cfg.RetransmitInterval)
}

func TestLoadMissingRequiredField(t *testing.T) {
	prior, wasSet := os.LookupEnv("VTUN_LOCAL_ADDR")
	require.NoError(t, os.Unsetenv("VTUN_LOCAL_ADDR"))
	t.Cleanup(func() {
		if wasSet {
			os.Setenv("VTUN_LOCAL_ADDR", prior)
		}
	})

	_, err := Load(context.Background())
	assert.Error(t, err)
}
