// Package devcontainer reads the ports a project's dev container claims on
// the host, so a port search can treat them as reserved.
//
// A dev container that is not running does not hold its ports, and a bind
// probe cannot see them. When the container starts later, VS Code and the
// devcontainer CLI forward or publish the same ports on localhost and would
// collide with an SSR server that picked one of them in the meantime.
//
// JSONC (JSON with Comments) is supported via github.com/tidwall/jsonc,
// since devcontainer.json files are routinely commented.
package devcontainer
