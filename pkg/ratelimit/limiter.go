// Package ratelimit holds fixed-window counters for command intake. Every
// limiter fails closed: a backend error is never an implicit allow.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned when no backend can answer.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Rule is a named limit over a window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (r Rule) normalized() Rule {
	if r.Limit <= 0 {
		r.Limit = 1
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	return r
}

// Default command intake rules.
var (
	PerPrincipal = Rule{Name: "principal", Limit: 10, Window: time.Minute}
	PerIncident  = Rule{Name: "incident", Limit: 25, Window: time.Minute}
	PerTarget    = Rule{Name: "target", Limit: 5, Window: 10 * time.Minute}
)

type Decision struct {
	Rule      string
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Decision, error)
}

// Check is one key evaluated against one rule.
type Check struct {
	Key  string
	Rule Rule
}

// AllowAll evaluates checks in order and returns the first refusal. Empty
// keys are skipped.
func AllowAll(ctx context.Context, l Limiter, checks ...Check) (Decision, error) {
	var last Decision
	for _, c := range checks {
		if c.Key == "" {
			continue
		}
		d, err := l.Allow(ctx, c.Rule.Name+":"+c.Key, c.Rule)
		if err != nil {
			return Decision{Rule: c.Rule.Name}, fmt.Errorf("%s limit: %w", c.Rule.Name, err)
		}
		if !d.Allowed {
			return d, nil
		}
		last = d
	}
	last.Allowed = true
	return last, nil
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry), now: time.Now}
}

// WithClock replaces the limiter clock.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, rule Rule) (Decision, error) {
	rule = rule.normalized()
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(rule.Window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(rule, curr.count, curr.resetAt), nil
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(rule Rule, count int, resetAt time.Time) Decision {
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Rule:      rule.Name,
		Allowed:   count <= rule.Limit,
		Count:     count,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
