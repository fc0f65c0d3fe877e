package ocr

import (
	"sort"
	"sync"
	"time"
)

// DefaultCooldown is how long a provider stays sidelined after exhausting
// its retry budget.
const DefaultCooldown = 60 * time.Second

// Set holds the configured providers in failover order. A provider that
// exhausts its retries is sidelined for a cooldown period rather than
// removed; cooldowns are re-checked on every pick so a recovered provider
// rejoins automatically.
type Set struct {
	mu        sync.Mutex
	providers []Provider
	cooldown  time.Duration
	until     map[string]time.Time

	now func() time.Time
}

// NewSet creates a provider set sorted by priority. A non-positive cooldown
// uses the default.
func NewSet(providers []Provider, cooldown time.Duration) (*Set, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	return &Set{
		providers: sorted,
		cooldown:  cooldown,
		until:     make(map[string]time.Time),
		now:       time.Now,
	}, nil
}

// Next returns the highest-priority provider not in cooldown, skipping the
// names in tried. It returns nil when every provider is exhausted.
func (s *Set) Next(tried map[string]bool) Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, p := range s.providers {
		if tried[p.Name()] {
			continue
		}
		if until, ok := s.until[p.Name()]; ok && now.Before(until) {
			continue
		}
		return p
	}
	return nil
}

// MarkUnavailable sidelines the provider for the cooldown period.
func (s *Set) MarkUnavailable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[name] = s.now().Add(s.cooldown)
}

// Len returns the number of configured providers.
func (s *Set) Len() int {
	return len(s.providers)
}
