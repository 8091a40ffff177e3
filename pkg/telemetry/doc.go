// Package telemetry provides observability instrumentation for Orchard:
// structured logging (zerolog), Prometheus metrics, and OpenTelemetry
// tracing, configured once at process start and passed to components
// explicitly.
package telemetry
