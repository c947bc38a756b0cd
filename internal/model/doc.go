// Package model defines the domain types and value objects for the
// ssrport CLI.
//
// This package contains pure data structures with no external dependencies.
// ProbeConfig and ProbeResult live for exactly one search; nothing here is
// persisted by the probe itself.
//
// The package also defines exit codes (ExitCode), the probe error taxonomy
// and a custom error type (CLIError) that carries exit codes for proper OS
// process exit handling.
package model
