// Package backend selects and wires a concrete implementation behind the
// three ports (job queue, distributed lock, progress store) once at process
// start, based on environment-style configuration. The local variant is
// self-contained on the filesystem; the redis variant shares state across
// instances through a single Redis client.
package backend
