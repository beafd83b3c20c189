// Package theme loads the editor theme from a TOML file, falls back to the
// built-in themes and hot-reloads the file with fsnotify.
package theme
