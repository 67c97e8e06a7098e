// Package progress stores small TTL-bounded progress records keyed by job or
// sync-event ID, as a side-channel next to the job queue. Set overwrites a
// record wholesale; Update merges fields into the nested progress object and
// refuses to create records implicitly. The file backend sweeps expired
// records by comparing file mtime against the TTL; the Redis backend leans on
// native key expiry and needs no sweep.
package progress
