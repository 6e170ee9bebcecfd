package port

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

const (
	// DefaultMinPort is the first host port handed to a tenant. 5432 is left
	// to a Postgres the host may already run.
	DefaultMinPort = 5433

	// DefaultMaxPort is the last host port handed to a tenant.
	DefaultMaxPort = 5533

	// maxPort is the highest valid TCP port number (2^16 - 1).
	maxPort = 65535
)

// Option configures an Allocator.
type Option func(*Allocator)

// WithScanner makes Acquire skip ports that the host reports as bound by
// another process. Without a scanner only the lease table is consulted.
func WithScanner(s *Scanner) Option {
	return func(a *Allocator) {
		a.scanner = s
	}
}

// Allocator hands out host ports from a fixed range. A port is leased to at
// most one tenant at a time; the lease lasts until Release.
//
// All methods are safe for concurrent use. The table has a single writer
// discipline: every read-modify-write happens under mu.
type Allocator struct {
	min, max int

	mu     sync.Mutex
	leased map[int]struct{}

	// scanner is optional; nil means the OS is not probed.
	scanner *Scanner
}

// NewAllocator creates an Allocator for the inclusive range [min, max].
func NewAllocator(min, max int, opts ...Option) (*Allocator, error) {
	if min < 1 || max > maxPort || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d (must be within 1-%d and min <= max)", min, max, maxPort)
	}
	a := &Allocator{
		min:    min,
		max:    max,
		leased: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Range returns the inclusive bounds of the allocator.
func (a *Allocator) Range() (min, max int) {
	return a.min, a.max
}

// Acquire leases the lowest port in range that is neither leased nor, when a
// scanner is configured, bound on the host. The scan and the lease happen in
// one critical section.
//
// Exhaustion returns an error matching model.ErrNoPortAvailable.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.min; p <= a.max; p++ {
		if _, taken := a.leased[p]; taken {
			continue
		}
		if a.scanner != nil && !a.scanner.IsPortAvailable(p, "tcp") {
			continue
		}
		a.leased[p] = struct{}{}
		return p, nil
	}
	return 0, model.WrapError(model.ExitNoPortAvailable, "no port available",
		fmt.Errorf("all ports in %d-%d are leased or in use", a.min, a.max))
}

// Release returns port to the pool. Releasing a port that is not leased, or
// that is outside the range, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Reserve marks ports as leased without scanning. It rebuilds the lease table
// after a restart from ports owned by existing tenants. Ports outside the
// range are ignored and reserving a leased port is a no-op. It returns the
// number of ports newly marked.
func (a *Allocator) Reserve(ports ...int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, p := range ports {
		if p < a.min || p > a.max {
			continue
		}
		if _, ok := a.leased[p]; ok {
			continue
		}
		a.leased[p] = struct{}{}
		n++
	}
	return n
}

// IsLeased reports whether port is currently leased.
func (a *Allocator) IsLeased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.leased[port]
	return ok
}

// Leased returns the leased ports in ascending order.
func (a *Allocator) Leased() []int {
	a.mu.Lock()
	out := make([]int, 0, len(a.leased))
	for p := range a.leased {
		out = append(out, p)
	}
	a.mu.Unlock()

	sort.Ints(out)
	return out
}

// Available returns how many ports of the range are not leased. Ports that
// are busy on the host but not leased are counted as available.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return (a.max - a.min + 1) - len(a.leased)
}
