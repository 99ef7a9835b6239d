// Package progress carries scan observability: the Event record stamped by a
// Run, and the Hub that buffers events off the hot path and delivers them in
// batches to sinks. A full buffer drops events rather than slowing a fetch.
package progress
