// Package sinks holds the progress.Sink implementations the harvester ships
// with. LogSink writes zap entries, PrometheusSink updates counters and
// histograms, BarSink draws one mpb bar per partition and StatusSink keeps
// the snapshot served by the status API.
package sinks
