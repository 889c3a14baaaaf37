// Package lifecycle drives one application's cache through install,
// activation and serving.
//
// A Controller owns a single worker goroutine that serializes install
// requests, skip-waiting and offline-download messages and activation. The
// reconciler performs the bucket work; the controller decides when each step
// runs and which version is active.
package lifecycle
