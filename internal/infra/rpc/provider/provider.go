// Package provider implements the upstream transport for the transit client.
//
// This package contains:
//   - Provider interface: fetches a raw StopMonitoring document
//   - HTTPProvider: pooled HTTP implementation against api.511.org
//   - HealthMonitor: rolling success window and failure streak tracking
package provider

import "context"

// DefaultEndpoint is the 511.org StopMonitoring endpoint.
const DefaultEndpoint = "https://api.511.org/transit/StopMonitoring"

// Provider fetches StopMonitoring documents for a single agency.
type Provider interface {
	// GetName returns the provider identifier used in logs and metrics.
	GetName() string

	// FetchStopMonitoring performs one request and returns the raw body on
	// HTTP 200. Failures are returned as *errs.Error values.
	FetchStopMonitoring(ctx context.Context, stopCode string) ([]byte, error)

	// Close releases pooled connections.
	Close() error
}
