package engine

import "context"

// QueryProvider looks up the current carrier status text for a tracking id.
//
// Implementations return ("", nil) when the carrier has no information, and a
// non-nil error when the attempt itself failed. Both are retried by the
// Orchestrator. Implementations must be safe for concurrent use and must not
// share state between calls.
type QueryProvider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Query returns the raw status text for trackingID. The context carries
	// the per-attempt timeout.
	Query(ctx context.Context, trackingID string) (string, error)
}

// Lifecycle is implemented by providers that hold an external resource, such
// as a browser process, for the duration of a run.
type Lifecycle interface {
	// Start acquires the resource. An error here is fatal for the run.
	Start(ctx context.Context) error

	// Close releases the resource.
	Close() error
}

// ProviderFunc adapts a function to the QueryProvider interface.
type ProviderFunc func(ctx context.Context, trackingID string) (string, error)

// Name implements QueryProvider.
func (f ProviderFunc) Name() string { return "func" }

// Query implements QueryProvider.
func (f ProviderFunc) Query(ctx context.Context, trackingID string) (string, error) {
	return f(ctx, trackingID)
}
