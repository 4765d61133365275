/*
Package metrics wires Prometheus instrumentation for the credential broker.

The Collector registers every vector through promauto under one namespace
and exposes typed recording methods for the HTTP front end, upstream model
calls and the refresh pipeline. It also implements scheduler.EventSink, so
plugging it into the scheduler counts every credential state transition
with from_state/to_state/outcome labels.

Pool composition gauges (credentials per state, queue length per model,
pending refresh jobs) are republished periodically from scheduler stats
snapshots rather than maintained incrementally.
*/
package metrics
