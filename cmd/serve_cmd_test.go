package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_ReadsCommandsAndStopsOnCancel(t *testing.T) {
	ConfigFile = filepath.Join(t.TempDir(), "config.json")
	LogLevel = "error"
	ShutdownTimeout = 5 * time.Second
	t.Cleanup(func() {
		ConfigFile, LogLevel = DefaultConfigFile, ""
	})

	in := strings.NewReader("config addworld survival\nconfig status\n")
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, in, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Worlds to backup: survival")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Added world 'survival' to backup list")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
