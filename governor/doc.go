/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package governor composes a content-addressed LRU cache and an adaptive rate limiter in front of
// an expensive, latency-variable backend (e.g. a local inference service).
//
// For every request Governor.Do looks the payload up in the cache. On a miss it waits for admission
// from the limiter, calls the backend, reports the observed latency (for failed calls too),
// and caches a successful result. Concurrent identical misses share a single backend call.
//
// Maintenance restores the cache from a snapshot storage on start, saves snapshots on a cron schedule,
// periodically sweeps expired entries, and saves a final snapshot on stop.
package governor
