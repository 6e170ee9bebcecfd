// Package port manages the bounded pool of host ports handed out to tenant
// database containers.
//
// Every tenant container publishes Postgres' 5432/tcp on one host port taken
// from [MinPort, MaxPort]. The Allocator keeps the lease table: Acquire picks
// the lowest port that is not leased and marks it in the same critical
// section, so two concurrent callers never receive the same port. Release is
// idempotent.
//
// Leases live in memory only. After a restart the table must be rebuilt with
// Reserve from the ports recorded in the tenant registry and on the labels of
// running containers before the first Acquire; otherwise a new tenant can be
// given a port an existing container already owns.
//
// The optional Scanner asks the OS (net.Listen) whether a candidate port is
// bound by some unrelated process, so the allocator can skip it.
package port
