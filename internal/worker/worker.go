// Package worker provides background task infrastructure for the gateway.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled.
	Run(ctx context.Context) error
}
