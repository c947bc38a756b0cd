package devcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// ReservedSource labels ports that came from devcontainer.json in the
// probe's reserved set.
const ReservedSource = "devcontainer"

// ErrNotFound is returned by FindDevContainerJSON when neither standard
// location holds a devcontainer.json.
var ErrNotFound = errors.New("devcontainer.json not found")

// RawDevContainer holds the port-related fields of devcontainer.json.
// Other fields are ignored during parsing.
//
// ForwardPorts and AppPort use interface{} because the devcontainer.json
// schema allows several value types for each of them.
type RawDevContainer struct {
	// ForwardPorts lists ports forwarded from the container to localhost.
	// Each element is an integer or a "service:port" string.
	ForwardPorts []interface{} `json:"forwardPorts,omitempty"`

	// AppPort publishes container ports on the host. It can be an integer,
	// a "hostPort:containerPort" string, or an array of either.
	AppPort interface{} `json:"appPort,omitempty"`
}

// LoadConfig reads a devcontainer.json file, strips JSONC comments and
// trailing commas, and parses it into a RawDevContainer.
func LoadConfig(devcontainerPath string) (*RawDevContainer, error) {
	data, err := os.ReadFile(devcontainerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, devcontainerPath)
		}
		return nil, fmt.Errorf("failed to read devcontainer.json: %w", err)
	}

	// encoding/json silently ignores fields not defined in the struct,
	// which is what we want: only the port fields matter here.
	var raw RawDevContainer
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse devcontainer.json at %s: %w", devcontainerPath, err)
	}
	return &raw, nil
}

// FindDevContainerJSON searches for devcontainer.json in the standard
// locations within a project directory, in this order:
//  1. <projectPath>/.devcontainer/devcontainer.json
//  2. <projectPath>/.devcontainer.json
//
// Returns ErrNotFound (wrapped) if neither exists.
func FindDevContainerJSON(projectPath string) (string, error) {
	candidates := []string{
		filepath.Join(projectPath, ".devcontainer", "devcontainer.json"),
		filepath.Join(projectPath, ".devcontainer.json"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (searched .devcontainer/devcontainer.json and .devcontainer.json)", ErrNotFound, projectPath)
}

// HostPorts returns the localhost ports the dev container claims, sorted
// and without duplicates.
//
// Sources:
//   - forwardPorts: 3000 or "app:3000" claims localhost:3000
//   - appPort: 3000 claims 3000; "8080:3000" claims the host side, 8080
//
// Entries that cannot be parsed or are outside 1-65535 are skipped.
func HostPorts(raw *RawDevContainer) []int {
	if raw == nil {
		return nil
	}

	seen := make(map[int]struct{})
	add := func(p int, ok bool) {
		if ok && model.IsValidPort(p) {
			seen[p] = struct{}{}
		}
	}

	for _, fp := range raw.ForwardPorts {
		add(forwardedPort(fp))
	}

	switch v := raw.AppPort.(type) {
	case []interface{}:
		for _, item := range v {
			add(appHostPort(item))
		}
	case nil:
	default:
		add(appHostPort(v))
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// ProjectHostPorts finds and loads the devcontainer.json of projectPath and
// returns its host ports. A project without one yields no ports and no error.
func ProjectHostPorts(projectPath string) ([]int, error) {
	path, err := FindDevContainerJSON(projectPath)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return HostPorts(raw), nil
}

// forwardedPort parses one forwardPorts entry. JSON numbers decode to
// float64 when the target is interface{}.
func forwardedPort(v interface{}) (int, bool) {
	switch fp := v.(type) {
	case float64:
		return int(fp), true
	case string:
		// "service:port" or a bare number.
		if i := strings.LastIndex(fp, ":"); i >= 0 {
			fp = fp[i+1:]
		}
		p, err := strconv.Atoi(strings.TrimSpace(fp))
		return p, err == nil
	default:
		return 0, false
	}
}

// appHostPort parses one appPort entry and returns its host side.
func appHostPort(v interface{}) (int, bool) {
	switch ap := v.(type) {
	case float64:
		return int(ap), true
	case string:
		// "ip:hostPort:containerPort", "hostPort:containerPort" or just
		// "containerPort", which Docker publishes on the same host port.
		host := ap
		switch parts := strings.Split(ap, ":"); len(parts) {
		case 2:
			host = parts[0]
		case 3:
			host = parts[1]
		}
		p, err := strconv.Atoi(strings.TrimSpace(host))
		return p, err == nil
	default:
		return 0, false
	}
}
