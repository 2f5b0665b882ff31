// Package broadcast composes operator drafts into immutable jobs and delivers
// them to a recipient snapshot one by one.
//
// Delivery is sequential per job: progress checkpoints are emitted before the
// send at index 0, stride, 2*stride, ... and a single Report is produced at the
// end. Throttled recipients are retried in place (bounded), permanent failures
// are counted and skipped.
package broadcast
