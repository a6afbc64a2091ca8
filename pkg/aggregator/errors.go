package aggregator

import (
	"fmt"
	"time"
)

// NotFoundError marks a provider resource that does not exist; callers treat
// it as an observed absence, not a failure.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// RateLimitedError carries the provider's reset time so callers can back
// off.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// ProviderError wraps any other provider failure.
type ProviderError struct {
	Op    string
	Cause error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error in %s: %v", e.Op, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
