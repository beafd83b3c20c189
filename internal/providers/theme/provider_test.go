package theme

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	return NewProvider(filepath.Join(t.TempDir(), "settings", "theme.toml"), zaptest.NewLogger(t))
}

func TestLoadCreatesDefault(t *testing.T) {
	p := newTestProvider(t)

	th, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "dark", th.ID)
	assert.FileExists(t, p.Path())

	again, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, th, again)
}

func TestLoadMergesOverBuiltin(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte(`
id = "midnight"
name = "Midnight"
type = "dark"

[colors]
background = "#0b1021"
`), 0o644))

	th, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "midnight", th.ID)
	assert.Equal(t, "#0b1021", th.Colors["background"])
	assert.Equal(t, "#ffffff", th.Colors["text"], "missing colors come from the base theme")
	assert.Equal(t, 16, th.FontSize)
	assert.Equal(t, th, p.Current())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed toml", "id = \n"},
		{"missing colors", "id = \"bare\"\nname = \"Bare\"\ntype = \"custom\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
			require.NoError(t, os.WriteFile(p.Path(), []byte(tt.content), 0o644))

			_, err := p.Load()
			assert.Error(t, err)
			assert.Equal(t, "dark", p.Current().ID, "current theme is kept")
		})
	}
}

func TestSetPersists(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Set("sepia")
	require.NoError(t, err)

	reloaded := NewProvider(p.Path(), nil)
	th, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, "sepia", th.ID)

	_, err = p.Set("neon")
	assert.ErrorIs(t, err, ErrUnknownTheme)
}

func TestThemesSorted(t *testing.T) {
	p := newTestProvider(t)
	themes := p.Themes()

	require.Len(t, themes, 4)
	assert.Equal(t, "dark", themes[0].ID)
	for _, th := range themes {
		assert.NoError(t, th.Validate(), th.ID)
	}
}

func TestWatchReloads(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "theme.toml"), nil)
	p.debounce = 10 * time.Millisecond
	_, err := p.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, p.Watch(ctx, func(th Theme) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, th.ID)
	}))
	defer p.Close()

	_, err = p.Set("light")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "light"
	}, 2*time.Second, 10*time.Millisecond)
}
