// Package upstream talks to an application's origin server. It owns the
// shared, tuned http.Transport, hop-by-hop header filtering, and the Fetcher
// used by the reconciler: a fetch either yields a response snapshot (any HTTP
// status) or a transport error, with retries and exponential backoff for the
// latter.
package upstream
