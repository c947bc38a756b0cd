// Package model defines the domain types for the ssrport CLI.
//
// A search is described by a ProbeConfig, runs once, and produces a single
// ProbeResult. Neither outlives the invocation that created it.
package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MinPort is the lowest valid TCP port number.
	MinPort = 1

	// MaxPort is the highest valid TCP port number (2^16 - 1).
	// Candidate ports never exceed this value; the search does not wrap.
	MaxPort = 65535

	// DefaultStartPort is the port the SSR server traditionally listens on.
	DefaultStartPort = 13714

	// DefaultMaxAttempts bounds a search when the caller does not say otherwise.
	DefaultMaxAttempts = 100
)

// ExhaustionPolicy decides what a search returns when none of its
// candidates is free.
type ExhaustionPolicy string

const (
	// PolicyFallback returns the start port with Found=false and no error.
	// The start port was never re-verified, so the caller gets a best-effort
	// value it must still be prepared to fail binding.
	PolicyFallback ExhaustionPolicy = "fallback"

	// PolicyFail returns a *SearchExhaustedError.
	PolicyFail ExhaustionPolicy = "fail"
)

// DefaultPolicy is used when no policy is configured.
const DefaultPolicy = PolicyFail

// String returns the string representation of ExhaustionPolicy.
func (p ExhaustionPolicy) String() string {
	return string(p)
}

// IsValid checks whether the policy is one of the predefined values.
func (p ExhaustionPolicy) IsValid() bool {
	switch p {
	case PolicyFallback, PolicyFail:
		return true
	default:
		return false
	}
}

// ParseExhaustionPolicy converts a string to an ExhaustionPolicy.
// An empty string yields DefaultPolicy.
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultPolicy, nil
	}
	policy := ExhaustionPolicy(strings.ToLower(strings.TrimSpace(s)))
	if !policy.IsValid() {
		return "", fmt.Errorf("%w: invalid exhaustion policy %q (valid: fallback, fail)", ErrInvalidConfig, s)
	}
	return policy, nil
}

// ProbeConfig describes a single search. It is not modified once the
// search starts.
type ProbeConfig struct {
	// StartPort is the first candidate (1-65535).
	StartPort int `json:"startPort"`

	// MaxAttempts bounds the number of distinct candidates examined.
	MaxAttempts int `json:"maxAttempts"`

	// Policy selects the behavior on exhaustion.
	Policy ExhaustionPolicy `json:"policy"`
}

// DefaultProbeConfig returns the configuration the original SSR bootstrap
// used: start at 13714 and try 100 ports.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		StartPort:   DefaultStartPort,
		MaxAttempts: DefaultMaxAttempts,
		Policy:      DefaultPolicy,
	}
}

// Validate checks port range, attempt count and policy.
// An empty policy is accepted and means DefaultPolicy.
func (c ProbeConfig) Validate() error {
	if !IsValidPort(c.StartPort) {
		return fmt.Errorf("%w: start port %d out of range (%d-%d)", ErrInvalidConfig, c.StartPort, MinPort, MaxPort)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.Policy != "" && !c.Policy.IsValid() {
		return fmt.Errorf("%w: invalid exhaustion policy %q (valid: fallback, fail)", ErrInvalidConfig, c.Policy)
	}
	return nil
}

// LastCandidate returns the highest port the search may examine. The range
// is clamped at MaxPort so the search never overflows.
func (c ProbeConfig) LastCandidate() int {
	last := c.StartPort + c.MaxAttempts - 1
	if last > MaxPort || last < c.StartPort {
		return MaxPort
	}
	return last
}

// IsValidPort reports whether port is a usable TCP port number.
func IsValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// ProbeResult is produced once per search.
type ProbeResult struct {
	// Port is the first free candidate when Found is true. When Found is
	// false it is the start port under PolicyFallback and 0 under PolicyFail.
	Port int `json:"port"`

	// Found reports whether Port was verified free during the search.
	Found bool `json:"found"`

	// Attempts is the number of candidates examined, reserved ports included.
	Attempts int `json:"attempts"`
}

// String returns a human-readable representation of the result.
func (r ProbeResult) String() string {
	if r.Found {
		return fmt.Sprintf("port %d (after %d attempts)", r.Port, r.Attempts)
	}
	return fmt.Sprintf("no free port (fallback %d, %d attempts)", r.Port, r.Attempts)
}

// Sentinel errors shared by the probe, its callers and the CLI.
var (
	// ErrPortInUse means the bind failed because another socket owns the address.
	ErrPortInUse = errors.New("port is already in use")

	// ErrPortReserved means the port was excluded by configuration or by a
	// Docker container that publishes it. It was never bound.
	ErrPortReserved = errors.New("port is reserved")

	// ErrPortOutOfRange means the port number is outside 1-65535.
	ErrPortOutOfRange = errors.New("port out of range")

	// ErrSearchExhausted is matched by every *SearchExhaustedError.
	ErrSearchExhausted = errors.New("port search exhausted")

	// ErrInvalidConfig wraps validation failures of ProbeConfig and friends.
	ErrInvalidConfig = errors.New("invalid probe configuration")
)

// ProbeIOError is a bind or socket failure other than "address in use",
// e.g. permission denied or descriptor exhaustion. A single ProbeIOError
// marks one candidate unavailable; it never aborts a search.
type ProbeIOError struct {
	Port int
	Err  error
}

// Error satisfies the error interface.
func (e *ProbeIOError) Error() string {
	return fmt.Sprintf("probe port %d: %v", e.Port, e.Err)
}

// Unwrap returns the underlying socket error.
func (e *ProbeIOError) Unwrap() error {
	return e.Err
}

// SearchExhaustedError is returned under PolicyFail when no candidate was free.
type SearchExhaustedError struct {
	// StartPort is the first candidate of the search.
	StartPort int

	// Attempts is the number of candidates actually examined.
	Attempts int
}

// Error names the start port and the attempt count so operators can tell
// port exhaustion from a permission problem.
func (e *SearchExhaustedError) Error() string {
	return fmt.Sprintf("no available port found starting at %d after %d attempts", e.StartPort, e.Attempts)
}

// Is makes errors.Is(err, ErrSearchExhausted) hold.
func (e *SearchExhaustedError) Is(target error) bool {
	return target == ErrSearchExhausted
}

// ExitCode defines standard CLI exit codes.
// These codes allow startup scripts to tell a busy port from a broken setup.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitPortUnavailable is returned by "check" when the port is not free.
	ExitPortUnavailable ExitCode = 2

	// ExitSearchExhausted indicates no free port was found under PolicyFail.
	ExitSearchExhausted ExitCode = 3

	// ExitPersistFailed indicates the port could not be written to the
	// configuration store or the cache could not be cleared.
	ExitPersistFailed ExitCode = 4

	// ExitInvalidConfig indicates bad flags, environment or config file.
	ExitInvalidConfig ExitCode = 5

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 6
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
