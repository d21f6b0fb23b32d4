// Package api hosts the HTTP server, middleware, and REST handlers of the
// primer design service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/genomes, POST /api/design for submissions.
//   - GET /api/job/{job_id} and /api/download/{job_id}/{filename} for results.
package api
