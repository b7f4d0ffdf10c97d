package testutil

import (
	"fmt"
	"sync"
	"time"

	"pkgvault/internal/pv"
)

// sessionEpoch is the first time a SessionClock reports.
var sessionEpoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// SessionClock starts at a fixed instant and moves one step forward on every
// reading, so a session's FinishedAt always lands after its StartedAt.
type SessionClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// FixedClock returns a SessionClock starting at 2024-01-15 10:30:00 UTC that
// advances one second per reading.
func FixedClock() *SessionClock {
	return &SessionClock{next: sessionEpoch, step: time.Second}
}

func (c *SessionClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

// StubIDGenerator hands out session ids "session-1", "session-2", ...
type StubIDGenerator struct {
	mu sync.Mutex
	n  int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("session-%d", g.n)
}

var (
	_ pv.Clock       = (*SessionClock)(nil)
	_ pv.IDGenerator = (*StubIDGenerator)(nil)
)
