package internal

import "sync"

// PresenceTracker keeps counts of open chat sessions per username. One user
// may hold several sessions at once.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

func (p *PresenceTracker) Increment(username string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[username]++
	return p.online[username]
}

func (p *PresenceTracker) Decrement(username string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[username]
	if !ok {
		return 0
	}
	if count <= 1 {
		delete(p.online, username)
		return 0
	}
	p.online[username] = count - 1
	return count - 1
}

func (p *PresenceTracker) Online(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[username] > 0
}

// ActiveCount is the number of distinct usernames online.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
