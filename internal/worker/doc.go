// Package worker implements the offline-caching worker: an install step that
// precaches a fixed manifest into a named cache (all entries or none), and a
// fetch step that answers from the cache first and otherwise falls through to
// the network unchanged.
//
// OnInstall and OnFetch are plain functions whose I/O (cache access, network
// fetch) is injected, so they can be driven with fakes. Worker wraps them with
// configuration (cache name, scope, manifest), lifecycle state and logging.
package worker
