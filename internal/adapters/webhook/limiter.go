package webhook

import (
	"sync"
	"time"
)

// hourlyLimiter пропускает не более одного события на ключ (kind, scope)
// в час. Часы инжектируются для тестов.
type hourlyLimiter struct {
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func newHourlyLimiter(now func() time.Time) *hourlyLimiter {
	return &hourlyLimiter{now: now, seen: make(map[string]time.Time)}
}

func (l *hourlyLimiter) allow(kind, scope string) bool {
	key := kind + "\x00" + scope
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.seen[key]; ok && now.Sub(last) < time.Hour {
		return false
	}
	l.seen[key] = now

	// Попутная уборка: записи старше часа больше никого не ограничивают.
	for k, ts := range l.seen {
		if now.Sub(ts) >= time.Hour {
			delete(l.seen, k)
		}
	}
	return true
}
