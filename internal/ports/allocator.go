// Package ports hands out tunnel listener ports from a fixed range.
package ports

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default tunnel port range.
const (
	DefaultRangeStart = 23000
	DefaultRangeEnd   = 23999
)

var (
	// ErrNoPortsAvailable is returned when every port in the range is held.
	ErrNoPortsAvailable = errors.New("no ports available")

	// ErrPortOutOfRange is returned when a claimed port lies outside the range.
	ErrPortOutOfRange = errors.New("port out of range")

	// ErrPortInUse is returned when a claimed port is held by another owner.
	ErrPortInUse = errors.New("port in use")
)

// Reservation pins a port to an owner before any listener exists, typically
// from persisted service records read at startup.
type Reservation struct {
	Port  int
	Owner string
}

type slot struct {
	owner string
	// expires is non-zero for seeded reservations that nobody has claimed yet.
	expires time.Time
}

// Allocator tracks which ports of a contiguous range are in use.
// All methods are safe for concurrent use.
type Allocator struct {
	start int
	end   int

	mu   sync.Mutex
	used map[int]slot
	now  func() time.Time
}

// NewAllocator creates an allocator for ports start..end inclusive.
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start: start,
		end:   end,
		used:  make(map[int]slot),
		now:   time.Now,
	}, nil
}

// Seed marks reserved ports as used so a restart never hands them to a
// different service. Reservations lapse after ttl unless claimed; ttl <= 0
// keeps them until released. Ports outside the range are ignored.
func (a *Allocator) Seed(reservations []Reservation, ttl time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = a.now().Add(ttl)
	}

	seeded := 0
	for _, r := range reservations {
		if !a.inRange(r.Port) {
			continue
		}
		if _, taken := a.used[r.Port]; taken {
			continue
		}
		a.used[r.Port] = slot{owner: r.Owner, expires: expires}
		seeded++
	}
	return seeded
}

// Allocate returns the lowest free port and records owner as its holder.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for port := a.start; port <= a.end; port++ {
		if a.isFree(port, owner, now, false) {
			a.used[port] = slot{owner: owner}
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Claim takes a specific port for owner. It succeeds when the port is free,
// when its reservation expired, or when owner already holds or reserved it.
func (a *Allocator) Claim(port int, owner string) error {
	_, err := a.Acquire(port, owner)
	return err
}

// Acquire is Claim that also reports whether owner already held the port.
// A port that was already held belongs to an earlier claim and must not be
// released by the caller if it cannot use it.
func (a *Allocator) Acquire(port int, owner string) (held bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inRange(port) {
		return false, fmt.Errorf("%w: %d not in %d-%d", ErrPortOutOfRange, port, a.start, a.end)
	}
	now := a.now()
	if !a.isFree(port, owner, now, true) {
		return false, fmt.Errorf("%w: %d held by %s", ErrPortInUse, port, a.used[port].owner)
	}
	s, ok := a.used[port]
	held = ok && !s.expired(now) && s.expires.IsZero()
	a.used[port] = slot{owner: owner}
	return held, nil
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.mu.Unlock()
}

// InUse returns the number of ports currently held or reserved.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	n := 0
	for _, s := range a.used {
		if !s.expired(now) {
			n++
		}
	}
	return n
}

// IsUsed reports whether port is held or reserved.
func (a *Allocator) IsUsed(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.used[port]
	return ok && !s.expired(a.now())
}

// Owner returns the holder of port, or "" when it is free.
func (a *Allocator) Owner(port int) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.used[port]
	if !ok || s.expired(a.now()) {
		return ""
	}
	return s.owner
}

// Used returns the held ports in ascending order.
func (a *Allocator) Used() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]int, 0, len(a.used))
	for port, s := range a.used {
		if !s.expired(now) {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// Range returns the first and last port of the range.
func (a *Allocator) Range() (int, int) {
	return a.start, a.end
}

func (a *Allocator) inRange(port int) bool {
	return port >= a.start && port <= a.end
}

// isFree must be called with mu held. An owner may always take over its own
// reservation; allowHeld also lets it re-take a port it already holds.
func (a *Allocator) isFree(port int, owner string, now time.Time, allowHeld bool) bool {
	s, ok := a.used[port]
	if !ok || s.expired(now) {
		return true
	}
	if owner == "" || s.owner != owner {
		return false
	}
	return allowHeld || !s.expires.IsZero()
}

func (s slot) expired(now time.Time) bool {
	return !s.expires.IsZero() && now.After(s.expires)
}
