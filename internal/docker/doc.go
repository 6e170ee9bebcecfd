// Package docker provides the container runtime used to run one Postgres
// instance per tenant.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Tenant labels on containers, so the set of managed instances and the
//     host ports they own can be recovered from the daemon after a restart
//   - Container lifecycle operations: pull, create, start, inspect, logs,
//     list, remove
//
// Callers depend on the narrow Runtime interface; *Client implements it on
// top of github.com/docker/docker/client with API version negotiation.
package docker
