// Package cachedir resolves the daemon's runtime cache layout.
package cachedir

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// Default is the runtime cache root used when none is configured.
const Default = "/run/serial_lcd_cache"

// Ensure creates dir and its parents. Permission and read-only filesystem
// failures are swallowed so the daemon keeps running without its logs; other
// failures are returned.
func Ensure(dir string) error {
	err := os.MkdirAll(dir, 0o755)
	if err == nil || Ignorable(err) {
		return nil
	}
	return err
}

// Ignorable reports whether err is a permission or read-only failure.
func Ignorable(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS)
}

// Sub joins the cache root with a component directory, falling back to Default.
func Sub(root string, elem ...string) string {
	if root == "" {
		root = Default
	}
	return filepath.Join(append([]string{root}, elem...)...)
}
