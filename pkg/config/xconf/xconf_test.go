package xconf

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeSection struct {
	ID       string        `koanf:"id"`
	Interval time.Duration `koanf:"interval"`
	Limit    int           `koanf:"limit"`
}

func (n *nodeSection) Validate() error {
	if n.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return nil
}

func TestNew_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: a\n  interval: 10s\n  limit: 5\n"), 0o600))

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, cfg.Format())

	var n nodeSection
	require.NoError(t, Load(cfg, "node", &n))
	assert.Equal(t, "a", n.ID)
	assert.Equal(t, 10*time.Second, n.Interval)
	assert.Equal(t, 5, n.Limit)
}

func TestLoad_Validates(t *testing.T) {
	cfg, err := NewFromBytes([]byte(`{"node":{"id":"a","limit":0}}`), FormatJSON)
	require.NoError(t, err)

	var n nodeSection
	err = Load(cfg, "node", &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}

func TestNew_Errors(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyPath)

	_, err = New("node.toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrLoadFailed)

	_, err = NewFromBytes([]byte("{"), FormatJSON)
	assert.ErrorIs(t, err, ErrParseFailed)

	cfg, err := NewFromBytes(nil, FormatYAML)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Reload(), ErrNotReloadable)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  limit: 1\n"), 0o600))
	cfg, err := New(path)
	require.NoError(t, err)

	var reloads atomic.Int32
	w, err := Watch(cfg, func(c Config, err error) {
		if err == nil && c.Client().Int("node.limit") == 2 {
			reloads.Add(1)
		}
	}, 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })

	require.NoError(t, os.WriteFile(path, []byte("node:\n  limit: 2\n"), 0o600))
	assert.Eventually(t, func() bool { return reloads.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}
