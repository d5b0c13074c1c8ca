// Package observability provides Prometheus metrics and OpenTelemetry trace
// export for turnmesh.
package observability
