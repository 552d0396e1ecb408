package probe

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"

	obsmetrics "github.com/amirimatin/go-nodepool/pkg/observability/metrics"
)

// ConnManager caches gRPC client connections per key with idle eviction.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	closing chan struct{}
	once    sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL.
func NewConnManager(ttl time.Duration) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{ttl: ttl, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns the connection cached under key, dialing one when absent, and
// a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, key string, dial func(ctx context.Context) (*grpc.ClientConn, error)) (*grpc.ClientConn, func(), error) {
	m.mu.Lock()
	if mc, ok := m.conns[key]; ok && mc.cc != nil {
		mc.ref++
		mc.lastUsed = time.Now()
		cc := mc.cc
		m.mu.Unlock()
		obsmetrics.GRPCConnReuse.Inc()
		return cc, func() { m.release(key) }, nil
	}
	m.mu.Unlock()

	// Dial outside lock
	cc, err := dial(ctx)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	if existing, ok := m.conns[key]; ok && existing.cc != nil {
		// Another goroutine won the race.
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		out := existing.cc
		m.mu.Unlock()
		obsmetrics.GRPCConnReuse.Inc()
		return out, func() { m.release(key) }, nil
	}
	m.conns[key] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	m.mu.Unlock()
	return cc, func() { m.release(key) }, nil
}

// Evict drops and closes the connection cached under key, if idle.
func (m *ConnManager) Evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[key]; ok && mc.ref == 0 {
		_ = mc.cc.Close()
		delete(m.conns, key)
		obsmetrics.GRPCConnEvictions.Inc()
		obsmetrics.GRPCConnActive.Dec()
	}
}

// Len is the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *ConnManager) release(key string) {
	m.mu.Lock()
	if mc, ok := m.conns[key]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.once.Do(func() { close(m.closing) })
	m.mu.Lock()
	for k, mc := range m.conns {
		if mc.cc != nil {
			_ = mc.cc.Close()
			obsmetrics.GRPCConnActive.Dec()
		}
		delete(m.conns, k)
	}
	m.mu.Unlock()
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for key, mc := range m.conns {
				if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
					if mc.cc != nil {
						_ = mc.cc.Close()
					}
					obsmetrics.GRPCConnEvictions.Inc()
					obsmetrics.GRPCConnActive.Dec()
					delete(m.conns, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
