package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/quiverhq/quiverd/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json info", config.LoggingConfig{Level: "info", Format: "json"}, false},
		{"console debug", config.LoggingConfig{Level: "debug", Format: "console"}, false},
		{"empty format defaults to json", config.LoggingConfig{Level: "warn"}, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, true},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = ContextWithFields(ctx, zap.String("request_id", "r1"))
	ctx = ContextWithFields(ctx, zap.Int("k", 5))

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "request_id", fields[0].Key)
	assert.Equal(t, "k", fields[1].Key)
}

func TestFromContext(t *testing.T) {
	base := zaptest.NewLogger(t)

	// No fields: same logger back.
	assert.Same(t, base, FromContext(context.Background(), base))

	ctx := ContextWithFields(context.Background(), zap.String("request_id", "r2"))
	enriched := FromContext(ctx, base)
	assert.NotSame(t, base, enriched)
}
