// Package policy holds the tunable scheduling rules (overcommit tolerance,
// utilization ceiling, launch stagger) applied during one batch run. The
// values are deliberate policy choices rather than hard limits derived from
// hardware, so they live here as explicit configuration.
package policy
