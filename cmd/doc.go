// Package cmd implements the kaspd command line.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, the genome catalog, design submission, job status and
//     artifact download. Submissions are validated before any workspace exists.
//   - Jobs: internal/jobs.Service creates a workspace per job under workspace.dir, writes input.txt, runs snp-primer
//     synchronously with a hard timeout (process group kill) and records the final status in job.json.
//   - Results: job status is derived from the workspace on every query: error.log means failed, the summary TSV means
//     completed, job.json distinguishes timeout from pending.
//   - Retention: internal/sweeper deletes workspaces older than retention.max_age_hours on a fixed interval.
//   - Side channels: job rows go to Postgres when db.dsn is set, completed artifacts are archived to
//     memory/local/GCS, and completion events are published to Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure env vars: KASP_SERVER_PORT, KASP_CATALOG_PATH (or GENOME_CONFIG), KASP_WORKSPACE_DIR (or WORK_DIR),
//     KASP_PIPELINE_BINARY, KASP_JOBS_MAX_SNP_COUNT, KASP_RETENTION_MAX_AGE_HOURS.
//   - Run locally: go run . serve --config config.yaml
//   - Cron-style cleanup without the server: go run . sweep
package cmd
