package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/researchd/internal/tenant"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", *NewDefaultConfig(), false},
		{"console format", Config{Level: "debug", Format: "console"}, false},
		{"bad level", Config{Level: "verbose", Format: "json"}, true},
		{"bad format", Config{Level: "info", Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLoggerRejectsInvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Level: "nope", Format: "json"})
	require.Error(t, err)
}

func TestContextFieldsIncludeTenant(t *testing.T) {
	tl := NewTestLogger()
	ctx := tenant.NewContext(context.Background(), &tenant.Info{UserID: 9, SpaceID: 3})
	ctx = WithRequestID(ctx, "req-123")

	tl.Info(ctx, "searching index")

	entries := tl.All()
	require.Len(t, entries, 1)
	keys := map[string]bool{}
	for _, f := range entries[0].Context {
		keys[f.Key] = true
	}
	assert.True(t, keys["user_id"])
	assert.True(t, keys["space_id"])
	assert.True(t, keys["request_id"])
}

func TestNamedAndWith(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("cache")
	child.Warn(context.Background(), "backend unavailable")
	tl.AssertLogged(t, zapcore.WarnLevel, "backend unavailable")
}

func TestFromContextFallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	// Must not panic.
	l.Info(context.Background(), "ignored")
}
