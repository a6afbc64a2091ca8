package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/store"
)

// CircuitBreaker bounds per-rule BLOCK contributions per window. Once a
// rule's block count exceeds the limit, its further BLOCK contributions are
// demoted to WARN until the counter's TTL expires.
//
// Counter errors never abort an evaluation: Open fails toward "closed" (the
// rule keeps blocking) and RecordBlock drops the increment with a log line.
type CircuitBreaker struct {
	counter store.BlockCounter
	limit   int64
	window  time.Duration
	log     *slog.Logger
}

func NewCircuitBreaker(counter store.BlockCounter, limit int, window time.Duration, log *slog.Logger) *CircuitBreaker {
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		log:     log,
	}
}

func blockKey(ruleID string) string { return "blocks#" + ruleID }

// Open reports whether the rule's circuit is open in the current window.
func (b *CircuitBreaker) Open(ctx context.Context, ruleID string) bool {
	count, err := b.counter.Get(ctx, blockKey(ruleID))
	if err != nil {
		b.log.WarnContext(ctx, "block counter read failed", "rule_id", ruleID, "error", err)
		return false
	}
	return count > b.limit
}

// RecordBlock counts one BLOCK contribution by the rule.
func (b *CircuitBreaker) RecordBlock(ctx context.Context, ruleID string) {
	if _, err := b.counter.Increment(ctx, blockKey(ruleID), b.window); err != nil {
		b.log.WarnContext(ctx, "block counter increment failed", "rule_id", ruleID, "error", err)
	}
}
