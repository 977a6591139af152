package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func initialRules(t *testing.T) *Rules {
	t.Helper()
	rules, err := LoadRules(config.DefaultConfig())
	require.NoError(t, err)
	return rules
}

func TestReloadKeepsPreviousRulesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "[vocabulary]\nangle = [\"front\", \"diagonal\"]\n")

	w, err := NewWatcher(Config{Path: path, Initial: initialRules(t)})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Reload())
	assert.True(t, w.Current().Vocabulary.Contains(metadata.FieldAngle, "Diagonal"))

	// Built-in tuples outside the narrowed vocabulary are left out.
	_, ok := w.Current().Defaults.For(metadata.ProcessingCanvasExtension)
	assert.False(t, ok)

	// A configured tuple outside the vocabulary is an error.
	writeConfig(t, path, "[vocabulary]\nangle = [\"front\"]\n\n"+
		"[defaults.canvas_extension]\nangle = \"side\"\nview = \"exterior\"\nmovement = \"static\"\ntod = \"day\"\nside = \"driver\"\n")
	assert.Error(t, w.Reload())
	assert.True(t, w.Current().Vocabulary.Contains(metadata.FieldAngle, "diagonal"))

	writeConfig(t, path, "[vocabulary\n")
	assert.Error(t, w.Reload())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "[batch]\nworkers = 2\n")

	var reloads atomic.Int32
	w, err := NewWatcher(Config{
		Path:       path,
		Initial:    initialRules(t),
		DebounceMs: 10,
		OnReload:   func(*Rules) { reloads.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, path, "[vocabulary]\ntod = [\"day\", \"night\", \"sunrise\", \"sunset\", \"golden hour\"]\n")
	require.Eventually(t, func() bool {
		return w.Current().Vocabulary.Contains(metadata.FieldTOD, "golden hour")
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	w.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not stop within 5 seconds")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, "")

	initial := initialRules(t)
	w, err := NewWatcher(Config{Path: path, Initial: initial, DebounceMs: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	defer w.Stop()
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, filepath.Join(dir, "notes.txt"), "hello")
	time.Sleep(200 * time.Millisecond)
	assert.Same(t, initial, w.Current())
}

func TestNewWatcherValidates(t *testing.T) {
	_, err := NewWatcher(Config{Initial: initialRules(t)})
	assert.Error(t, err)
	_, err = NewWatcher(Config{Path: "config.toml"})
	assert.Error(t, err)
}
