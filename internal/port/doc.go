// Package port implements the loopback port probe used to pick a port for
// the SSR server before it binds.
//
// A probe binds a TCP listener on 127.0.0.1:<port> with SO_REUSEADDR set and
// closes it straight away. A successful bind means the port is free at that
// instant; any failure means it is not. Searches walk upward from a start
// port, one candidate at a time, and stop at the first free one:
//
//	startPort, startPort+1, ..., min(startPort+maxAttempts-1, 65535)
//
// Ports in a ReservedSet (configured ports, ports published by Docker
// containers) are treated as taken without being bound.
//
// The result is a hint. Another process may grab the port between the probe
// and the caller's own bind, so callers retry bind failures downstream (see
// package ssr).
package port
