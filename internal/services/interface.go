package services

import "context"

// FeatureFlags is the source of the process-wide enrichment switch. It is
// consulted on every best-effort call so a reload takes effect at once.
type FeatureFlags interface {
	// EnrichmentEnabled reports whether best-effort writes are accepted.
	EnrichmentEnabled(ctx context.Context) bool
}

// FlagFunc adapts a function to FeatureFlags.
type FlagFunc func(ctx context.Context) bool

// EnrichmentEnabled calls f.
func (f FlagFunc) EnrichmentEnabled(ctx context.Context) bool {
	return f(ctx)
}
