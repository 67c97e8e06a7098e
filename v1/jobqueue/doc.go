// Package jobqueue provides a durable, pollable job queue with two
// interchangeable backends: a crash-safe single-node filesystem store and a
// Redis store for shared multi-instance deployments.
//
// Jobs move through waiting | delayed -> active -> completed | failed. Delivery
// is at-least-once: a job interrupted by a crash is recovered back to waiting
// on the next start, so processors must tolerate duplicate execution.
package jobqueue
