// Package notifier delivers operator alerts.
//
// Service is an async pipeline: a bounded queue, a worker pool, a token
// bucket, retry with jittered backoff and a dedup window. Dedup windows can
// be persisted so a restart does not repeat the same alert.
//
// Alerts turns queue events (dispatch suspended, item failed, startup
// recovery) into notifications for every owner.
package notifier
