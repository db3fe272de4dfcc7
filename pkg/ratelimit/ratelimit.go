// Package ratelimit provides a sliding-window rate limiter with named scopes.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scope names used by the debrid clients.
const (
	ScopeGlobal  = "global"
	ScopeTorrent = "torrent"
)

type rule struct {
	limit  int
	period time.Duration
}

// Limiter tracks request timestamps per scope and delays callers so that no
// window of `period` length ever contains more than `limit` requests.
// The zero value is not usable, use New.
type Limiter struct {
	mu     sync.Mutex
	rules  map[string]rule
	stamps map[string][]time.Time
	logger *zap.Logger
}

func New(logger *zap.Logger) *Limiter {
	return &Limiter{
		rules:  map[string]rule{},
		stamps: map[string][]time.Time{},
		logger: logger,
	}
}

// SetRule configures a scope. A limit <= 0 removes the rule, making the scope unlimited.
func (l *Limiter) SetRule(scope string, limit int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.rules, scope)
		delete(l.stamps, scope)
		return
	}
	l.rules[scope] = rule{limit: limit, period: period}
}

// Wait blocks until a request in the given scope may proceed, then records it.
// Scopes without a rule never block. The context cancels the wait.
func (l *Limiter) Wait(ctx context.Context, scope string) error {
	for {
		l.mu.Lock()
		r, ok := l.rules[scope]
		if !ok {
			l.mu.Unlock()
			return nil
		}

		now := time.Now()
		cutoff := now.Add(-r.period)
		stamps := l.stamps[scope]
		// Prune timestamps that left the window. The queue is in insertion
		// order, so we only need to find the first one still inside.
		keepFrom := 0
		for keepFrom < len(stamps) && !stamps[keepFrom].After(cutoff) {
			keepFrom++
		}
		stamps = stamps[keepFrom:]

		if len(stamps) < r.limit {
			l.stamps[scope] = append(stamps, now)
			l.mu.Unlock()
			return nil
		}

		// Window full. Sleep until the oldest timestamp exits it.
		wait := stamps[0].Add(r.period).Sub(now)
		l.stamps[scope] = stamps
		l.mu.Unlock()

		l.logger.Debug("Rate limit reached, waiting",
			zap.String("scope", scope),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
