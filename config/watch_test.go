package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReportsChangesOfTheConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, CONFILE)
	require.NoError(t, os.WriteFile(cfile, []byte(validUDP), 0o644))

	watcher, err := NewWatcher(cfile)
	require.NoError(t, err)

	changed := make(chan struct{}, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go Watch(watcher, cfile, changed, stop, &wg)
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x"), 0o644))
	select {
	case <-changed:
		t.Fatal("change of another file must not be reported")
	case <-time.After(2 * watchDebounce):
	}

	// several writes in a row are reported once
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(cfile, []byte(validUDP+validSPI), 0o644))
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("change of the config file was not reported")
	}
	select {
	case <-changed:
		t.Fatal("burst of writes should be reported once")
	case <-time.After(2 * watchDebounce):
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing", CONFILE))
	assert.Error(t, err)
}
