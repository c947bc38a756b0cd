package store

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"
)

var (
	// envKeyRegex restricts .env keys to what shells accept as variable names.
	envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// envAssignRegex splits an assignment into indent, "export ", key and
	// the raw text after '='.
	envAssignRegex = regexp.MustCompile(`^(\s*)(export\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=(.*)$`)

	// envCommentRegex finds a trailing " # comment" after a quoted or bare value.
	envCommentRegex = regexp.MustCompile(`^\s*(?:"[^"]*"|'[^']*'|[^#]*?)(\s+#.*)$`)
)

// EnvFile stores the port as a KEY=value line in a dotenv file.
//
// Existing lines are rewritten in place, so comments (including a trailing
// " # comment" on the rewritten line), ordering and the "export " prefix
// survive. A missing key is appended at the end.
type EnvFile struct {
	path string
}

// Path returns the file backing the store.
func (e *EnvFile) Path() string {
	return e.path
}

// Persist writes KEY=port. Every assignment of KEY is updated, matching how
// a later duplicate would otherwise shadow the new value.
func (e *EnvFile) Persist(key string, port int) error {
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid env key %q", key)
	}

	data, err := readOptional(e.path)
	if err != nil {
		return err
	}

	value := strconv.Itoa(port)

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}

	replaced := false
	for i, line := range lines {
		m := envAssignRegex.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil || m[3] != key {
			continue
		}
		comment := ""
		if c := envCommentRegex.FindStringSubmatch(m[4]); c != nil {
			comment = c[1]
		}
		lines[i] = m[1] + m[2] + key + "=" + value + comment
		replaced = true
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	return writeFileAtomic(e.path, []byte(strings.Join(lines, "\n")+"\n"))
}

// Lookup parses the file with dotenv rules (quotes, export, comments) and
// returns the value of key as a port.
func (e *EnvFile) Lookup(key string) (int, bool, error) {
	data, err := readOptional(e.path)
	if err != nil || data == nil {
		return 0, false, err
	}

	env, err := gotenv.StrictParse(bytes.NewReader(data))
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", e.path, err)
	}

	raw, ok := env[key]
	if !ok {
		return 0, false, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, fmt.Errorf("%s: value of %s is not a port: %q", e.path, key, raw)
	}
	return port, true, nil
}
