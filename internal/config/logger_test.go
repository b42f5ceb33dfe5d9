package config_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := config.NewLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)

	log.Debug("hidden")
	log.Info("visible", "job_id", "j1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visible", line["msg"])
	assert.Equal(t, "j1", line["job_id"])
}

func TestNewLogger_LevelParsing(t *testing.T) {
	var buf bytes.Buffer
	log := config.NewLogger(config.LogConfig{Level: "WARNING", Format: "text"}, &buf)

	assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, log.Enabled(context.Background(), slog.LevelWarn))
}
