package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocspd/pipeline"
)

func TestExtensionMatcher_CaseInsensitiveAndDotless(t *testing.T) {
	m := newExtensionMatcher([]string{".CRT", "pem"})

	assert.True(t, m.match("/certs/leaf.crt"))
	assert.True(t, m.match("/certs/leaf.CRT"))
	assert.True(t, m.match("/certs/leaf.pem"))
	assert.False(t, m.match("/certs/leaf.key"))
}

func TestExtensionMatcher_DefaultsWhenEmpty(t *testing.T) {
	m := newExtensionMatcher(nil)

	assert.True(t, m.match("/certs/leaf.crt"))
	assert.True(t, m.match("/certs/leaf.pem"))
	assert.True(t, m.match("/certs/leaf.cer"))
	assert.False(t, m.match("/certs/leaf.txt"))
}

func collectEvents(t *testing.T, events <-chan pipeline.Event, n int, timeout time.Duration) []pipeline.Event {
	t.Helper()
	var got []pipeline.Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func TestSubscribe_InitialSweepEmitsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leaf.crt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	w := New(Options{RefreshInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Subscribe(ctx, []string{dir}, []string{"crt"})
	require.NoError(t, err)

	got := collectEvents(t, events, 1, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.Added, got[0].Kind)
	assert.Equal(t, filepath.Join(dir, "leaf.crt"), got[0].Path)
}

func TestSubscribe_CreateEventIsEmitted(t *testing.T) {
	dir := t.TempDir()

	w := New(Options{RefreshInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Subscribe(ctx, []string{dir}, []string{"crt"})
	require.NoError(t, err)

	// drain the (empty) initial sweep.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "new.crt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	got := collectEvents(t, events, 1, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.Added, got[0].Kind)
	assert.Equal(t, path, got[0].Path)
}

func TestSubscribe_ClosesChannelOnContextCancel(t *testing.T) {
	dir := t.TempDir()

	w := New(Options{RefreshInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	events, err := w.Subscribe(ctx, []string{dir}, []string{"crt"})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should be closed once ctx is cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed after cancel")
	}
}
