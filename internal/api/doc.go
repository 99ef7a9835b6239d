// Package api hosts the HTTP status server for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the run snapshot, and
//     /v1/status/partitions/{partition} for one partition.
package api
