package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		level   zap.AtomicLevel
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}, level: zap.NewAtomicLevelAt(zap.InfoLevel)},
		{name: "debug console", cfg: Config{Level: "DEBUG", Format: "console"}, level: zap.NewAtomicLevelAt(zap.DebugLevel)},
		{name: "warn json", cfg: Config{Level: "warn", Format: "json"}, level: zap.NewAtomicLevelAt(zap.WarnLevel)},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Desugar().Core().Enabled(tt.level.Level()))
			if tt.level.Level() > zap.DebugLevel {
				assert.False(t, logger.Desugar().Core().Enabled(zap.DebugLevel))
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", " error ")
	t.Setenv("LOG_FORMAT", "console")

	cfg := ConfigFromEnv()
	assert.Equal(t, "error", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
}
