package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmstats.log")
	l, err := New("warn", path)
	require.NoError(t, err)

	l.Infow("hidden")
	l.Warnw("dump failed", "vm", "web")
	_ = l.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"dump failed"`)
	require.Contains(t, out, `"vm":"web"`)
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.True(t, l.Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", "")
	require.ErrorContains(t, err, `log level "loud"`)
}
