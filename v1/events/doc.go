// Package events is the reporting side-channel: job lifecycle transitions and
// progress updates are published as JSON payloads on a Bus. In-memory, Redis
// pub/sub, NATS and Kafka implementations exist so a deployment can surface
// queue activity on whatever broker it already runs, and HTTP handlers stream
// a topic over SSE or WebSocket. Delivery is best-effort: a slow watcher
// drops events rather than stalling a publisher.
package events
