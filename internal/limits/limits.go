// Package limits gates connection admission: a cap on concurrent
// connections and a per-IP token bucket on accept rate.
package limits

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Rejection reasons, used as metric labels.
const (
	ReasonCapacity = "capacity"
	ReasonRate     = "rate"
)

const maxBuckets = 65536

// Gate admits or refuses new connections. Zero values disable each check,
// so the zero configuration admits everything.
type Gate struct {
	maxConns  int
	perIPRate rate.Limit
	burst     int

	mu      sync.Mutex
	active  int
	buckets map[string]*rate.Limiter
}

func NewGate(maxConns int, perIPRate float64, burst int) *Gate {
	return &Gate{
		maxConns:  maxConns,
		perIPRate: rate.Limit(perIPRate),
		burst:     burst,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Admit reserves a slot for remoteAddr. When it returns false the reason
// names the failed check; when it returns true the caller must Release
// once the connection ends.
func (g *Gate) Admit(remoteAddr string) (bool, string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxConns > 0 && g.active >= g.maxConns {
		return false, ReasonCapacity
	}
	if g.perIPRate > 0 {
		b := g.buckets[host]
		if b == nil {
			if len(g.buckets) >= maxBuckets {
				g.pruneLocked()
			}
			b = rate.NewLimiter(g.perIPRate, g.burst)
			g.buckets[host] = b
		}
		if !b.Allow() {
			return false, ReasonRate
		}
	}

	g.active++
	return true, ""
}

// Release frees the slot reserved by a successful Admit.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
}

// Active reports currently admitted connections.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// pruneLocked drops buckets that have refilled completely; those IPs are
// idle and lose nothing by starting a fresh bucket later.
func (g *Gate) pruneLocked() {
	for ip, b := range g.buckets {
		if b.Tokens() >= float64(g.burst) {
			delete(g.buckets, ip)
		}
	}
}
