// Package core is the bulk data job engine: CSV imports with per-row
// validation and an audit trail, rollback of finished imports, filtered
// exports to stored artifacts, and cron-scheduled exports delivered by mail.
//
// The package holds no transport or storage code. Persistence goes through
// [Store], export files through [ArtifactStore], and each importable entity
// is an [Adapter] registered in a [Registry]. The web server, the bulkctl
// CLI and the tests all drive the same [Service].
//
// # Imports
//
// [Service.StartImport] validates the module, the duplicate strategy and the
// column mapping, records a PENDING job and returns it. The rows are processed
// in the background:
//
//  1. VALIDATING parses the file with [ParseCSV]; structural errors fail the job
//  2. PROCESSING maps each row through a [Mapper], validates it and writes it
//     through the adapter, recording an [AuditEntry] per write
//  3. Rejected rows become [RowError] records and never stop the job
//  4. Snapshots are broadcast to subscribers of [Service.SubscribeImport]
//
// At most Options.MaxConcurrentJobs imports and exports run at once.
//
// # Rollback
//
// [Service.Rollback] walks a finished job's audit entries newest first,
// deleting inserted records and restoring updated ones. Entries are marked
// reverted one at a time, so a partial rollback can be retried.
//
// # Exports and schedules
//
// [Service.RunExport] streams matching records into a CSV artifact.
// A [Scheduler] runs due [ScheduledExport] definitions under a [Locker], so
// one schedule never runs twice at once across processes, and hands the
// artifact to a [Mailer].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a stable code for support reference:
//
//   - IMP, MAP, VAL: import requests, column mapping, row validation
//   - JOB: job lookup and state transitions
//   - MOD: module registry
//   - EXP, SCH: exports and schedules
//   - SYS: storage and shutdown
package core
