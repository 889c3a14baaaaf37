// Package reconcile keeps an application's cache buckets consistent with its
// manifest. Bootstrap fills the staging bucket with the core set, Reconcile
// moves a newly installed version into the content bucket with minimal churn
// (evict stale, copy staged, persist the applied manifest) and falls back to a
// full reset on any failure, Serve answers requests cache-first or
// online-first, and Prefetch fills in every resource not yet cached.
package reconcile
