// Package observe provides the agent's observability primitives.
//
// It wires OpenTelemetry tracing and metrics together with a small JSON
// structured logger. Every agent component receives a Logger; the intercept
// path is additionally wrapped by Middleware, which records one span, one set
// of metrics and one log line per handled request.
package observe
