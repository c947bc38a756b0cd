package store

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// TOMLFile stores the port in a TOML document. Comments are not preserved;
// the encoder rewrites the file from the decoded tables.
type TOMLFile struct {
	path string
}

// Path returns the file backing the store.
func (t *TOMLFile) Path() string {
	return t.path
}

// Persist sets key (dotted keys address nested tables) to port.
func (t *TOMLFile) Persist(key string, port int) error {
	parts, err := splitKey(key)
	if err != nil {
		return err
	}
	doc, err := t.load()
	if err != nil {
		return err
	}
	if err := setPath(doc, parts, int64(port)); err != nil {
		return fmt.Errorf("%s: %w", t.path, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", t.path, err)
	}
	return writeFileAtomic(t.path, buf.Bytes())
}

// Lookup returns the port stored under key.
func (t *TOMLFile) Lookup(key string) (int, bool, error) {
	parts, err := splitKey(key)
	if err != nil {
		return 0, false, err
	}
	doc, err := t.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := getPath(doc, parts)
	if !ok {
		return 0, false, nil
	}
	port, err := toPort(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %s: %w", t.path, key, err)
	}
	return port, true, nil
}

func (t *TOMLFile) load() (map[string]any, error) {
	data, err := readOptional(t.path)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.path, err)
	}
	return doc, nil
}
