// Package tracing provides a thin wrapper around OpenTelemetry so batch
// runs can emit spans (probe, plan, per-job execution) without the rest of
// the code-base depending on the upstream API. Applications that do not
// need tracing simply never call Init.
package tracing
