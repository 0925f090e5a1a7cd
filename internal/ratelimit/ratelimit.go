// Package ratelimit provides fixed-window per-user admission control.
//
// Windows are fixed rather than sliding: a counter resets completely once
// its window elapses, which permits brief bursts at window boundaries.
// That tradeoff is accepted for the simplicity of one counter per key.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Scope     string // which limiter denied, empty when allowed
}

type windowState struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter per key.
type Limiter struct {
	max    int
	window time.Duration

	mu     sync.Mutex
	states map[string]*windowState
	now    func() time.Time
}

// New creates a limiter admitting max requests per window per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		states: make(map[string]*windowState),
		now:    time.Now,
	}
}

// Check admits or denies one request for key. An admitted request
// increments the counter; a denied one leaves it untouched.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.states[key]
	if !ok || now.After(state.resetAt) {
		state = &windowState{resetAt: now.Add(l.window)}
		l.states[key] = state
	}

	if state.count >= l.max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: state.resetAt}
	}

	state.count++
	return Decision{Allowed: true, Remaining: l.max - state.count, ResetAt: state.resetAt}
}

// Gate layers a global limiter over per-operation limiters. The global
// limiter is always consulted first; when it denies, the per-operation
// limiter is not touched.
type Gate struct {
	global *Limiter

	mu    sync.Mutex
	perOp map[string]*Limiter

	opMax    int
	opWindow time.Duration
}

// NewGate builds a gate with a global budget of globalMax per window per
// user and opMax per window per user for each operation type.
func NewGate(globalMax, opMax int, window time.Duration) *Gate {
	return &Gate{
		global:   New(globalMax, window),
		perOp:    make(map[string]*Limiter),
		opMax:    opMax,
		opWindow: window,
	}
}

// Allow checks the global budget, then the operation-specific budget, for
// one request by userID.
func (g *Gate) Allow(userID, operation string) Decision {
	if d := g.global.Check(userID); !d.Allowed {
		d.Scope = "global"
		return d
	}

	limiter := g.opLimiter(operation)
	d := limiter.Check(userID)
	if !d.Allowed {
		d.Scope = operation
	}
	return d
}

func (g *Gate) opLimiter(operation string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.perOp[operation]
	if !ok {
		limiter = New(g.opMax, g.opWindow)
		g.perOp[operation] = limiter
	}
	return limiter
}
