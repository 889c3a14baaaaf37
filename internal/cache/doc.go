// Package cache defines the named bucket store that holds cached responses.
// A Store opens buckets by name (creating them on demand), reports whether a
// bucket exists and drops whole buckets; a Bucket maps a request identity
// (method + manifest key) to a stored response. Backends register themselves
// by key: "fs" keeps one directory per bucket under StoragePath with
// temp-file + rename writes, "sqlite" and "redis" keep the same model in a
// database. The reconciler and the request handler depend only on the
// interfaces declared in store.go.
package cache
