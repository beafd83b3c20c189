package theme

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ErrUnknownTheme is returned by Set for an id with no built-in theme.
var ErrUnknownTheme = errors.New("unknown theme")

// Theme represents a UI theme
type Theme struct {
	ID          string            `toml:"id" json:"id"`
	Name        string            `toml:"name" json:"name"`
	Description string            `toml:"description,omitempty" json:"description,omitempty"`
	Type        string            `toml:"type" json:"type"` // "dark", "light", "custom"
	Colors      map[string]string `toml:"colors" json:"colors"`
	Fonts       map[string]string `toml:"fonts,omitempty" json:"fonts,omitempty"`
	FontSize    int               `toml:"font_size,omitempty" json:"font_size,omitempty"`
}

// Validate checks the fields the editor needs to paint.
func (t Theme) Validate() error {
	if t.ID == "" || t.Name == "" {
		return errors.New("theme needs an id and a name")
	}
	for _, key := range []string{"background", "text"} {
		if t.Colors[key] == "" {
			return fmt.Errorf("theme %s is missing color %q", t.ID, key)
		}
	}
	return nil
}

// Provider loads the active theme from a TOML file and keeps it current.
type Provider struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration
	builtins map[string]Theme

	mu      sync.RWMutex
	current Theme
	watcher *fsnotify.Watcher
}

// NewProvider creates a theme provider for the file at path.
func NewProvider(path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		path:     path,
		logger:   logger.Named("theme"),
		debounce: 200 * time.Millisecond,
		builtins: defaults(),
	}
	p.current = p.builtins["dark"]
	return p
}

// Path returns the theme file location.
func (p *Provider) Path() string {
	return p.path
}

// Load reads the theme file. A missing file is created from the default theme.
func (p *Provider) Load() (Theme, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		t := p.builtins["dark"]
		if err := p.write(t); err != nil {
			return Theme{}, err
		}
		p.setCurrent(t)
		return t, nil
	}
	if err != nil {
		return Theme{}, fmt.Errorf("failed to read theme: %w", err)
	}

	var t Theme
	if err := toml.Unmarshal(data, &t); err != nil {
		return Theme{}, fmt.Errorf("failed to parse theme %s: %w", p.path, err)
	}
	if base, ok := p.builtins[t.Type]; ok {
		t = mergeOver(base, t)
	}
	if err := t.Validate(); err != nil {
		return Theme{}, err
	}

	p.setCurrent(t)
	return t, nil
}

// Current returns the active theme.
func (p *Provider) Current() Theme {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Themes lists the built-in themes.
func (p *Provider) Themes() []Theme {
	out := make([]Theme, 0, len(p.builtins))
	for _, t := range p.builtins {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set switches to a built-in theme and persists it.
func (p *Provider) Set(id string) (Theme, error) {
	t, ok := p.builtins[id]
	if !ok {
		return Theme{}, fmt.Errorf("%w: %s", ErrUnknownTheme, id)
	}
	if err := p.write(t); err != nil {
		return Theme{}, err
	}
	p.setCurrent(t)
	return t, nil
}

// Watch reloads the theme whenever its file changes and reports each
// successful reload to onChange. It returns once the watch is established.
func (p *Provider) Watch(ctx context.Context, onChange func(Theme)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create theme watcher: %w", err)
	}

	// Watch the directory; editors often replace the file
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	go p.watchLoop(ctx, watcher, onChange)
	p.logger.Info("Watching theme file", zap.String("path", p.path))
	return nil
}

// Close stops watching.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

func (p *Provider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(Theme)) {
	name := filepath.Base(p.path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(p.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			t, err := p.Load()
			if err != nil {
				p.logger.Warn("Theme reload failed, keeping current theme", zap.Error(err))
				continue
			}
			p.logger.Info("Theme reloaded", zap.String("id", t.ID))
			if onChange != nil {
				onChange(t)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Theme watcher error", zap.Error(err))
		}
	}
}

func (p *Provider) setCurrent(t Theme) {
	p.mu.Lock()
	p.current = t
	p.mu.Unlock()
}

func (p *Provider) write(t Theme) error {
	data, err := toml.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode theme: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create theme directory: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write theme: %w", err)
	}
	return nil
}

// mergeOver fills fields missing from t with values from base.
func mergeOver(base, t Theme) Theme {
	colors := make(map[string]string, len(base.Colors))
	for k, v := range base.Colors {
		colors[k] = v
	}
	for k, v := range t.Colors {
		colors[k] = v
	}
	fonts := make(map[string]string, len(base.Fonts))
	for k, v := range base.Fonts {
		fonts[k] = v
	}
	for k, v := range t.Fonts {
		fonts[k] = v
	}

	t.Colors = colors
	t.Fonts = fonts
	if t.ID == "" {
		t.ID = base.ID
	}
	if t.Name == "" {
		t.Name = base.Name
	}
	if t.FontSize == 0 {
		t.FontSize = base.FontSize
	}
	return t
}
