package filewatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestWatcherSettles tests that a burst of edits yields one callback.
func TestWatcherSettles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched")
	writeFile(t, path, "a")

	var calls atomic.Int32
	w, err := New(Options{
		Path:         path,
		PollInterval: 5 * time.Millisecond,
		Debounce:     150 * time.Millisecond,
		OnChange:     func() { calls.Add(1) },
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()
	assert.True(t, w.IsRunning())

	// Growing sizes keep every edit visible on coarse mtime clocks.
	for i := 2; i <= 5; i++ {
		writeFile(t, path, strings.Repeat("a", i))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

// TestWatcherRestart tests stop, restart and an unchanged file.
func TestWatcherRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched")
	writeFile(t, path, "a")

	changes := make(chan struct{}, 4)
	w, err := New(Options{
		Path:         path,
		PollInterval: 5 * time.Millisecond,
		Debounce:     10 * time.Millisecond,
		OnChange:     func() { changes <- struct{}{} },
	})
	require.NoError(t, err)

	w.Start()
	w.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, changes)
	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())

	writeFile(t, path, "ab")
	w.Start()
	defer w.Stop()
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change observed after restart")
	}
}

// TestWatcherMissingFile tests a file that disappears and returns.
func TestWatcherMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched")
	writeFile(t, path, "a")

	changes := make(chan struct{}, 4)
	w, err := New(Options{
		Path:         path,
		PollInterval: 5 * time.Millisecond,
		Debounce:     10 * time.Millisecond,
		OnChange:     func() { changes <- struct{}{} },
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.Remove(path))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, changes)

	writeFile(t, path, "abc")
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change observed after the file returned")
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(Options{OnChange: func() {}})
	assert.ErrorIs(t, err, ErrNoPath)

	path := filepath.Join(t.TempDir(), "watched")
	_, err = New(Options{Path: path})
	assert.ErrorIs(t, err, ErrNoCallback)

	_, err = New(Options{Path: path, OnChange: func() {}})
	assert.True(t, os.IsNotExist(err))

	writeFile(t, path, "a")
	w, err := New(Options{Path: path, OnChange: func() {}})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, w.PollInterval())
	assert.Equal(t, path, w.Path())
}
