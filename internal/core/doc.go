// Package core provides the application services of the traceability
// engine: the bulk import pipeline, device lifecycle and container
// operations, ICCID generation and pallet reconciliation.
//
// This package holds the sequencing logic and nothing else. Identifier
// rules live in identifier, the state machine in lifecycle, event storage
// in ledger and the containment checks in hierarchy. Every operation here
// follows the same order: validate, mutate the device together with its
// ledger event, then recompute the derived pallet aggregates.
//
// # Import Pipeline
//
// An import reads a CSV or XLSX file into a [Table], maps the column aliases
// to canonical names and runs in five steps:
//
//  1. Pre-flight: empty files, missing imei column and files above
//     Import.MaxRows are rejected before any work starts.
//  2. The consistency engine checks every row and rejects the ones with
//     errors.
//  3. Accepted rows are written one by one in file order. A stored IMEI is
//     a duplicate in create mode and a container move in upsert mode.
//     Transient storage failures are retried with backoff.
//  4. The pallets the job touched are recomputed from their devices.
//  5. The [ImportReport] goes to the configured [ReportSink].
//
// Row failures never abort a job; callers inspect Failed and Errors.
// Cancelling the context stops the job between rows. Stored devices and
// events stay, the remaining rows are counted as skipped and pallets are
// not recomputed.
//
// # Concurrency
//
// Rows of one job are processed sequentially so that row numbers follow
// the file. Independent jobs may run in parallel ([Service.ImportMany]),
// bounded by a [JobLimiter]. Duplicate IMEIs across concurrent jobs are
// caught by the storage unique index and reported per row.
//
// # Error Codes
//
// [MapError] and [IssueCode] attach a support code to every failure. See
// error_messages.go for the catalogue.
package core
