// Package cache defines the named cache stores a worker populates at install
// time and consults on every fetch. A Storage groups the caches of one origin
// and hands out Cache instances by name, creating them lazily. Entries are
// keyed by request identity (method + absolute URL) and hold the full
// response: status, headers and body. Batches stage several entries and
// publish them together, which is what gives install its all-or-nothing
// semantics. Two drivers exist: a disk layout (temp file + rename) and a
// bounded in-memory map.
package cache
