// Package lock provides mutual exclusion with in-memory and Redis
// implementations. Every acquisition mints a random owner token; release and
// extend verify the token so a holder whose TTL already lapsed can never
// affect a lock that has since been re-acquired. Expiry is enforced by the
// backend (a timer in memory, key TTL in Redis) independent of the holder's
// liveness.
package lock
