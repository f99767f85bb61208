package providers

import (
	"sync/atomic"
)

// defaultUserAgents are the client identifiers rotated across upstream calls.
var defaultUserAgents = [4]string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// UserAgentPool hands out User-Agent strings round-robin.
type UserAgentPool struct {
	counter atomic.Uint64
	agents  []string
}

// NewUserAgentPool creates a pool over the default identifier set.
func NewUserAgentPool() *UserAgentPool {
	return &UserAgentPool{agents: defaultUserAgents[:]}
}

// Next returns the next User-Agent string in rotation.
func (p *UserAgentPool) Next() string {
	n := p.counter.Add(1) - 1
	return p.agents[n%uint64(len(p.agents))]
}
