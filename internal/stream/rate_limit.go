package stream

import "sync"

const (
	defaultMaxPerIP = 10
	defaultMaxTotal = 1000
)

// streamLimiter tracks concurrent SSE connections per client key and
// globally. Keys come from httputil.Client.LimitKey.
type streamLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	total       int
	maxPerIP    int
	maxTotal    int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	if maxPerIP <= 0 {
		maxPerIP = defaultMaxPerIP
	}
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotal
	}
	return &streamLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
	}
}

// acquire attempts to register a new connection for key.
// Returns false if the key or global limit has been reached.
func (l *streamLimiter) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal || l.connections[key] >= l.maxPerIP {
		return false
	}

	l.connections[key]++
	l.total++
	return true
}

// release decrements the connection count for key.
func (l *streamLimiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[key] <= 0 {
		return
	}
	l.connections[key]--
	l.total--
	if l.connections[key] == 0 {
		delete(l.connections, key)
	}
}

// count returns the number of active connections for key.
func (l *streamLimiter) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[key]
}

// active returns the number of open streams across all keys.
func (l *streamLimiter) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
