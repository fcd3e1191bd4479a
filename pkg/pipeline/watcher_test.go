package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "digest.json", `{"id":"digest","steps":[]}`)

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	catalog, err := NewCatalog(defs...)
	require.NoError(t, err)

	var failures atomic.Int32
	w, err := NewWatcher(WatcherConfig{
		Dir:      dir,
		Catalog:  catalog,
		Logger:   zerolog.Nop(),
		Debounce: 20 * time.Millisecond,
		OnReload: func(_ int, err error) {
			if err != nil {
				failures.Add(1)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "outreach.yaml", outreachYAML)
	require.Eventually(t, func() bool { return catalog.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "broken.yaml", "id: [")
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, catalog.Len())

	_, err = catalog.Get("outreach")
	assert.NoError(t, err)
}

func TestWatcherRequiresCatalog(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	catalog, err := NewCatalog()
	require.NoError(t, err)
	w, err := NewWatcher(WatcherConfig{Dir: t.TempDir(), Catalog: catalog})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
