package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// JSONFile stores the port in a JSON document. Files may contain JSONC
// comments and trailing commas; they are accepted on read but not kept on
// write, since encoding/json has no comment model.
type JSONFile struct {
	path string
}

// Path returns the file backing the store.
func (j *JSONFile) Path() string {
	return j.path
}

// Persist sets key (dotted keys address nested objects) to port.
func (j *JSONFile) Persist(key string, port int) error {
	parts, err := splitKey(key)
	if err != nil {
		return err
	}
	doc, err := j.load()
	if err != nil {
		return err
	}
	if err := setPath(doc, parts, port); err != nil {
		return fmt.Errorf("%s: %w", j.path, err)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", j.path, err)
	}
	return writeFileAtomic(j.path, append(out, '\n'))
}

// Lookup returns the port stored under key.
func (j *JSONFile) Lookup(key string) (int, bool, error) {
	parts, err := splitKey(key)
	if err != nil {
		return 0, false, err
	}
	doc, err := j.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := getPath(doc, parts)
	if !ok {
		return 0, false, nil
	}
	port, err := toPort(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %s: %w", j.path, key, err)
	}
	return port, true, nil
}

// load reads the document, treating a missing or blank file as {}.
func (j *JSONFile) load() (map[string]any, error) {
	data, err := readOptional(j.path)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	clean := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(clean)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", j.path, err)
	}
	return doc, nil
}
