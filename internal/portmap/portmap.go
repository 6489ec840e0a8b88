// Package portmap rewrites the network endpoints embedded in a snapshot's
// configuration onto freshly allocated local ports. Actual port reservation
// is delegated to an Allocator collaborator; this package owns only the
// string rewriting and the per-pass memoization that keeps repeated
// endpoints consistent.
package portmap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Allocator reserves ports for one verification run. Implementations must
// never hand out the same port twice within a run.
type Allocator interface {
	AllocatePort() (int, error)
}

// Remapper maps original ports to freshly allocated ones. The mapping is
// memoized for the lifetime of one preparation pass, so an endpoint that
// recurs textually across configuration documents lands on the same port.
type Remapper struct {
	alloc Allocator

	mu     sync.Mutex
	byPort map[int]int
}

// NewRemapper returns a remapper backed by the given allocator.
func NewRemapper(alloc Allocator) *Remapper {
	return &Remapper{alloc: alloc, byPort: make(map[int]int)}
}

// RemapPort returns the fresh port assigned to old, allocating one on first
// sight.
func (r *Remapper) RemapPort(old int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPort[old]; ok {
		return p, nil
	}
	p, err := r.alloc.AllocatePort()
	if err != nil {
		return 0, fmt.Errorf("allocate port for %d: %w", old, err)
	}
	r.byPort[old] = p
	return p, nil
}

// Remap rewrites the port component of an endpoint string. Accepted forms are
// a bare port ("5454"), a host:port pair ("127.0.0.1:5454") and a URL
// ("http://127.0.0.1:50051/path"). The host part is preserved verbatim.
func (r *Remapper) Remap(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty endpoint")
	}
	if p, err := strconv.Atoi(endpoint); err == nil {
		np, err := r.RemapPort(p)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(np), nil
	}
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
		}
		port := u.Port()
		if port == "" {
			return "", fmt.Errorf("endpoint %q has no port to remap", endpoint)
		}
		old, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("parse port in %q: %w", endpoint, err)
		}
		np, err := r.RemapPort(old)
		if err != nil {
			return "", err
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(np))
		return u.String(), nil
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	old, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("parse port in %q: %w", endpoint, err)
	}
	np, err := r.RemapPort(old)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(np)), nil
}

// RemapAll rewrites every endpoint in a slice, preserving order.
func (r *Remapper) RemapAll(endpoints []string) ([]string, error) {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		ne, err := r.Remap(ep)
		if err != nil {
			return nil, err
		}
		out[i] = ne
	}
	return out, nil
}

// ListenAllocator reserves ports by briefly binding to an ephemeral port on
// the loopback interface. Ports already handed out in this process are never
// reused, which keeps allocation collision-free within a run even after the
// probe listener is closed.
type ListenAllocator struct {
	mu    sync.Mutex
	taken map[int]struct{}
}

// NewListenAllocator returns an allocator probing loopback ephemeral ports.
func NewListenAllocator() *ListenAllocator {
	return &ListenAllocator{taken: make(map[int]struct{})}
}

func (a *ListenAllocator) AllocatePort() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for attempt := 0; attempt < 100; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("probe ephemeral port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		if _, dup := a.taken[port]; dup {
			continue
		}
		a.taken[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("exhausted attempts to allocate a distinct port")
}
