// Package manifest models the build-time resource table of a web application:
// an immutable mapping from resource path to content fingerprint plus the
// ordered core set required before the application is usable. It also owns
// request-path normalization (scope stripping, "?v=" suffix removal, index
// sentinel) and the file watcher that detects newly deployed versions.
package manifest
