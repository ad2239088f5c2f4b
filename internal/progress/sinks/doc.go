// Package sinks implements the built-in progress subscribers: structured
// logging, Prometheus gauges, an in-memory latest snapshot, and a relay to an
// external publisher. Each sink satisfies progress.Subscriber and is safe for
// concurrent use.
package sinks
