// Package main hosts the mantiscan entrypoint.
//
// Architecture overview:
//   - CLI: Cobra commands (scan, projects, login) built on a shared App
//     container initialized from Viper configuration.
//   - Session: a persisted cookie bundle guarded by a single-flight
//     refresh. The login command drives a real browser so operators can
//     complete SSO/MFA themselves; scans only consume the harvested
//     cookies.
//   - Collection: per project, a small worker pool walks the paginated
//     issue listing. The first empty page fixes the listing's end;
//     repeated page signatures flag pagination loops. References are
//     deduplicated per run before entering the detail queue.
//   - Detail: a larger pool fetches each issue's full page, archives the
//     raw HTML when an archive backend is configured, and normalizes the
//     fields into IssueRecords.
//   - Persistence: records are staged and flushed in transactional
//     batches into per-project Postgres tables, upserted by issue id.
//     Cursors advance only after a fully complete collection; partial
//     runs leave them untouched so nothing is ever skipped.
//   - Throttling: every outbound request passes a per-class token bucket
//     plus concurrency ceiling, with jittered exponential backoff on
//     transient failures and a single session refresh on auth failures.
//   - Observability: zap structured logs, Prometheus metrics, and an
//     optional chi status server exposing /healthz, /metrics, and the
//     latest run report.
//
// Run locally: go run ./cmd/mantiscan scan --config config.yaml
package main
