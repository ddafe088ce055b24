package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haneytron/dache/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestMaxFrameSizeBytesParsesSuffix(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxFrameSize = "2MB"
	n, err := cfg.MaxFrameSizeBytes()
	require.NoError(t, err)
	require.Equal(t, uint32(2*1024*1024), n)
}

func TestMaxFrameSizeBytesRejectsGarbage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxFrameSize = "not-a-size"
	_, err := cfg.MaxFrameSizeBytes()
	require.Error(t, err)
}
