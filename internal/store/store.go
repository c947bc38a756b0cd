// Package store persists a chosen port into a project configuration file.
//
// Persisting is a separate step from searching: the probe never touches the
// filesystem, and callers decide whether and where the result is written.
// The file format is picked from the path:
//
//	.env, .env.local, no extension   KEY=13714 line
//	.json, .jsonc                    top-level or dotted key
//	.yaml, .yml                      top-level or dotted key, comments kept
//	.toml                            top-level or dotted key
//
// Missing files are created. Every write replaces the file atomically.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned by Open for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported configuration file format")

// Store writes and reads a port under a named key.
type Store interface {
	// Persist writes port under key, keeping unrelated content.
	Persist(key string, port int) error

	// Lookup returns the port stored under key. The bool is false when
	// the key or the file does not exist.
	Lookup(key string) (int, bool, error)

	// Path returns the file backing the store.
	Path() string
}

// Open returns the Store matching the extension of path.
func Open(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnsupportedFormat)
	}

	base := filepath.Base(path)
	switch ext := strings.ToLower(filepath.Ext(base)); {
	case base == ".env" || strings.HasPrefix(base, ".env.") || ext == ".env" || ext == "":
		return &EnvFile{path: path}, nil
	case ext == ".json" || ext == ".jsonc":
		return &JSONFile{path: path}, nil
	case ext == ".yaml" || ext == ".yml":
		return &YAMLFile{path: path}, nil
	case ext == ".toml":
		return &TOMLFile{path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// readOptional returns the file contents, or nil when the file is missing.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// writeFileAtomic writes data next to path and renames it into place, so
// readers never observe a half-written file. An existing file keeps its mode.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// splitKey turns a dotted key ("ssr.port") into path segments.
func splitKey(key string) ([]string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("key must not be empty")
	}
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid key %q", key)
		}
	}
	return parts, nil
}
