// Package docker reads host ports published by Docker containers.
//
// Containers are the main source of ports that a bind probe cannot see: a
// stopped container holds no socket but will claim its published ports the
// moment it starts again. The ports listed here are fed into the probe's
// reserved set so the search steps over them.
//
// Connection handling follows the Docker CLI conventions: DOCKER_HOST wins,
// otherwise the platform's default socket is auto-detected.
package docker
