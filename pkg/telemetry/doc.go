// Package telemetry wires Prometheus metrics and the OpenTelemetry tracer provider
// for the gateway.
//
// Metrics implements the observer interfaces of the store, admission, decision and
// management layers, so each component reports through one private registry that
// the admin server exposes on /metrics.
package telemetry
