// Package cache implements the named cache registry shared by the worker and
// its background jobs. A Registry maps the three cache purposes (shell,
// dynamic, image) to versioned generation names and stores immutable Response
// snapshots keyed by normalised request identity (method + URL). Storage is
// pluggable through Backend: an in-memory map, the disk layout
// StoragePath/<cache>/<sha1>.{meta.json,body} written with temp file + rename,
// or a SQLite database. Every read and write copies the snapshot so callers can
// never share or consume another caller's body.
package cache
